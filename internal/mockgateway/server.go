// Package mockgateway is a WebSocket gateway test double speaking exactly
// the wire protocol the façade implements: it is the receiving end used by
// the package's integration tests and by the cmd/gateway-client demo when
// pointed at a local instance, adapted from the teacher's DNS-tunnel
// request/response server into a WebSocket one.
package mockgateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/curve25519"

	"github.com/nymproject/gateway-client/internal/chunking"
	"github.com/nymproject/gateway-client/internal/gateway"
	"github.com/nymproject/gateway-client/internal/proxy"
	"github.com/nymproject/gateway-client/internal/sharedkey"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// forwardFragmentPacketLen bounds the fragments the mock gateway uses to
// chunk bytes read back from an upstream target, independent of whatever
// budget the connected client itself chunks with.
const forwardFragmentPacketLen = 2048

// safeConn serializes writes to a *websocket.Conn: gorilla/websocket
// permits at most one writer at a time, and this package's upstream-pump
// goroutine and its control-message handlers both write to the same
// connection.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *safeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(kind, data)
}

// Server is a mock gateway. EchoPayloads, when true, reassembles every
// chunked message it receives and sends it straight back through the
// SendMixPacket wire format, which is what the package's round-trip tests
// use to verify the full client/chunker/sharedkey/router stack without a
// real mixnet. Otherwise, when Dialer is set, the first reassembled
// message on a session is read as a SOCKS5-style target address and every
// later one is bridged to a live TCP connection, the way the teacher's
// server bridged its tunnel to a direct or SOCKS5 upstream.
type Server struct {
	EchoPayloads            bool
	RequireBandwidthTickets bool
	Dialer                  TargetDialer

	sessions *sessionManager
}

// NewServer returns a Server that dials upstream targets directly.
func NewServer() *Server {
	return &Server{sessions: newSessionManager(), Dialer: directDialer{}}
}

// NewEchoServer returns a Server in echo mode, used by the gateway
// package's round-trip tests.
func NewEchoServer() *Server {
	return &Server{sessions: newSessionManager(), EchoPayloads: true}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// lifetime in this goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("mockgateway: upgrade failed")
		return
	}
	conn := &safeConn{conn: wsConn}
	defer wsConn.Close()

	sess, err := s.handshake(conn, wsConn)
	if err != nil {
		log.Warn().Err(err).Msg("mockgateway: handshake failed")
		return
	}

	reassembler := chunking.NewReassembler()
	for {
		kind, data, err := wsConn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("mockgateway: connection closed")
			return
		}

		switch kind {
		case websocket.TextMessage:
			if err := s.handleControl(conn, sess, data); err != nil {
				log.Warn().Err(err).Msg("mockgateway: control message handling failed")
			}
		case websocket.BinaryMessage:
			s.handleBinary(conn, sess, reassembler, data)
		}
	}
}

func (s *Server) handshake(conn *safeConn, wsConn *websocket.Conn) (*session, error) {
	kind, data, err := wsConn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, fmt.Errorf("expected text frame for handshake, got %d", kind)
	}
	envelope, err := gateway.Decode(data)
	if err != nil {
		return nil, err
	}

	switch envelope.Type {
	case gateway.TypeRegister:
		return s.handleRegister(conn, envelope)
	case gateway.TypeAuthenticate:
		return s.handleAuthenticate(conn, envelope)
	default:
		return nil, fmt.Errorf("unexpected handshake message type %q", envelope.Type)
	}
}

func (s *Server) handleRegister(conn *safeConn, envelope gateway.Envelope) (*session, error) {
	var req gateway.RegisterRequest
	if err := decodePayload(envelope, &req); err != nil {
		return nil, err
	}

	clientEphPub, err := base64.StdEncoding.DecodeString(req.EphemeralPublicKey)
	if err != nil || len(clientEphPub) != 32 {
		return nil, fmt.Errorf("malformed client ephemeral key")
	}

	gatewayPub, gatewayPriv, err := gateway.EphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := curve25519.X25519(gatewayPriv[:], clientEphPub)
	if err != nil {
		return nil, err
	}
	material, err := gateway.DeriveLegacyMaterial(secret)
	if err != nil {
		return nil, err
	}
	key, err := sharedkey.NewLegacy(material)
	if err != nil {
		return nil, err
	}

	resp, err := gateway.Encode(gateway.TypeRegisterResponse, gateway.RegisterResponse{
		GatewayEphemeralPublicKey: base64.StdEncoding.EncodeToString(gatewayPub[:]),
		ProtocolVersion:           gateway.CurrentProtocolVersion,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		return nil, err
	}

	sess := s.sessions.getOrCreate(req.ClientIdentityPublicKey, s.RequireBandwidthTickets)
	sess.mu.Lock()
	sess.Key = key
	sess.mu.Unlock()
	return sess, nil
}

func (s *Server) handleAuthenticate(conn *safeConn, envelope gateway.Envelope) (*session, error) {
	var req gateway.AuthenticateRequest
	if err := decodePayload(envelope, &req); err != nil {
		return nil, err
	}

	sess, found := s.sessions.get(req.ClientIdentityPublicKey)
	status := "success"
	reason := ""
	if !found || sess.Key == nil {
		status = "failure"
		reason = "no prior registration"
	}

	resp, err := gateway.Encode(gateway.TypeAuthenticateResponse, gateway.AuthenticateResponse{
		Status:          status,
		ProtocolVersion: gateway.CurrentProtocolVersion,
		Reason:          reason,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		return nil, err
	}
	if status != "success" {
		return nil, fmt.Errorf("authenticate refused: %s", reason)
	}
	return sess, nil
}

func (s *Server) handleControl(conn *safeConn, sess *session, data []byte) error {
	envelope, err := gateway.Decode(data)
	if err != nil {
		return err
	}

	switch envelope.Type {
	case gateway.TypeUpgradeKey:
		return s.handleUpgradeKey(conn, sess, envelope)
	case gateway.TypeClaimBandwidth:
		return s.handleClaimBandwidth(conn, sess, envelope)
	case gateway.TypeClaimFreeTestnetBandwidth:
		return s.handleClaimFreeTestnetBandwidth(conn, sess, envelope)
	default:
		resp, _ := gateway.Encode(gateway.TypeError, gateway.ErrorMessage{Message: "unsupported message type"})
		return conn.WriteMessage(websocket.TextMessage, resp)
	}
}

func (s *Server) handleUpgradeKey(conn *safeConn, sess *session, envelope gateway.Envelope) error {
	var req gateway.UpgradeKeyRequest
	if err := decodePayload(envelope, &req); err != nil {
		return err
	}

	sess.mu.Lock()
	digest, err := sess.Key.PreviewUpgrade(req.Salt)
	agrees := err == nil && bytesEqual(digest[:], req.Digest)
	if agrees {
		err = sess.Key.TryUpgrade(req.Salt)
	}
	sess.mu.Unlock()

	status := "success"
	if err != nil || !agrees {
		status = "failure"
	}

	resp, err2 := gateway.Encode(gateway.TypeUpgradeKeyResponse, gateway.UpgradeKeyResponse{Status: status})
	if err2 != nil {
		return err2
	}
	return conn.WriteMessage(websocket.TextMessage, resp)
}

func (s *Server) handleClaimBandwidth(conn *safeConn, sess *session, envelope gateway.Envelope) error {
	var req gateway.ClaimBandwidthRequest
	if err := decodePayload(envelope, &req); err != nil {
		return err
	}

	// The mock gateway trusts any non-empty credential blob; real ticket
	// verification is outside this package's scope (ecash is a black box
	// collaborator per the specification).
	status := "success"
	if len(req.CredentialBlob) == 0 {
		status = "error"
	}

	resp, err := gateway.Encode(gateway.TypeClaimBandwidthResponse, gateway.ClaimBandwidthResponse{
		TicketID: req.TicketID,
		Status:   status,
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, resp)
}

func (s *Server) handleClaimFreeTestnetBandwidth(conn *safeConn, sess *session, envelope gateway.Envelope) error {
	var req gateway.ClaimFreeTestnetBandwidthRequest
	if err := decodePayload(envelope, &req); err != nil {
		return err
	}

	const grant = 10 * 1024 * 1024
	sess.Ledger.GrantTestnetBandwidth(grant)

	resp, err := gateway.Encode(gateway.TypeClaimFreeTestnetBandwidthResponse, gateway.ClaimFreeTestnetBandwidthResponse{
		TicketID:     req.TicketID,
		GrantedBytes: grant,
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, resp)
}

func (s *Server) handleBinary(conn *safeConn, sess *session, reassembler *chunking.Reassembler, data []byte) {
	sess.mu.Lock()
	key := sess.Key
	sess.mu.Unlock()
	if key == nil {
		return
	}

	plaintext, err := key.Open(data)
	if err != nil {
		log.Warn().Err(err).Msg("mockgateway: dropping frame that failed to decrypt")
		return
	}

	frag, err := chunking.FragmentFromBytes(plaintext)
	if err != nil {
		log.Warn().Err(err).Msg("mockgateway: dropping malformed fragment")
		return
	}

	full, done := reassembler.Ingest(frag)
	if !done {
		return
	}

	if s.EchoPayloads {
		s.echo(conn, key, full)
		return
	}

	sess.mu.Lock()
	upstream := sess.Upstream
	sess.mu.Unlock()

	if upstream == nil {
		s.openUpstream(conn, sess, key, full)
		return
	}
	if _, err := upstream.Write(full); err != nil {
		log.Warn().Err(err).Msg("mockgateway: upstream write failed")
	}
}

// openUpstream treats full as a SOCKS5-encoded target address, the header
// cmd/gateway-client's bridge sends as the first mix packet of a session,
// dials it through s.Dialer, and starts a goroutine pumping bytes read
// from it back to the client as sealed fragments.
func (s *Server) openUpstream(conn *safeConn, sess *session, key *sharedkey.SharedKey, full []byte) {
	if s.Dialer == nil {
		log.Warn().Msg("mockgateway: no dialer configured, dropping connect request")
		return
	}

	target, err := proxy.ParseTargetAddress(bytes.NewReader(full))
	if err != nil {
		log.Warn().Err(err).Msg("mockgateway: malformed target address")
		return
	}

	upstream, err := s.Dialer.Dial("tcp", target)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("mockgateway: failed to dial target")
		return
	}

	sess.mu.Lock()
	sess.Upstream = upstream
	sess.mu.Unlock()

	go s.pumpUpstream(conn, key, upstream)
}

func (s *Server) pumpUpstream(conn *safeConn, key *sharedkey.SharedKey, upstream io.Reader) {
	chunker, err := chunking.NewChunker(forwardFragmentPacketLen)
	if err != nil {
		log.Error().Err(err).Msg("mockgateway: cannot size upstream chunker")
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if writeErr := s.forward(conn, chunker, key, buf[:n]); writeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) forward(conn *safeConn, chunker *chunking.Chunker, key *sharedkey.SharedKey, payload []byte) error {
	frags, err := chunker.Split(append([]byte(nil), payload...))
	if err != nil {
		return err
	}
	for _, frag := range frags {
		raw, err := frag.Bytes()
		if err != nil {
			return err
		}
		sealed, err := key.Seal(raw)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) echo(conn *safeConn, key *sharedkey.SharedKey, full []byte) {
	chunker, err := chunking.NewChunker(len(full) + chunking.LinkedHeaderLen)
	if err != nil {
		log.Warn().Err(err).Msg("mockgateway: cannot size echo chunker")
		return
	}
	if err := s.forward(conn, chunker, key, full); err != nil {
		log.Warn().Err(err).Msg("mockgateway: echo forward failed")
	}
}

func decodePayload(envelope gateway.Envelope, out any) error {
	return json.Unmarshal(envelope.Payload, out)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
