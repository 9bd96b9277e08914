package gateway

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/nymproject/gateway-client/internal/bandwidth"
	"github.com/nymproject/gateway-client/internal/chunking"
	"github.com/nymproject/gateway-client/internal/gatewayerr"
	"github.com/nymproject/gateway-client/internal/router"
	"github.com/nymproject/gateway-client/internal/sharedkey"
	"github.com/nymproject/gateway-client/internal/socketstate"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts *websocket.Conn to the Transport interface used by
// the authentication flow.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) SendText(env []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, env)
}

func (w *wsTransport) RecvText() ([]byte, error) {
	kind, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, gatewayerr.New(gatewayerr.KindFraming, "wsTransport.RecvText", fmt.Errorf("expected text frame, got frame type %d", kind))
	}
	return data, nil
}

func (w *wsTransport) Close() error { return w.conn.Close() }

// Client is the gateway client façade (C9): a single-threaded cooperative
// API surface backed by one background goroutine that owns the delegated
// read half of the socket, mirroring the teacher's TunnelManager plus a
// dedicated reader the way a production client separates write-path calls
// from a read loop. Client methods are not safe to call concurrently with
// each other (per spec §5) except for Close, which may always be called
// to unblock an in-flight suspension point.
type Client struct {
	url      string
	identity Identity

	socket *socketstate.Socket
	key    *sharedkey.SharedKey
	ledger *bandwidth.Ledger
	chunk  *chunking.Chunker
	router *router.Router
	sem    *semaphore.Weighted

	reconnector *Reconnector

	shutdown chan struct{}
	once     sync.Once
}

// Config bundles everything needed to construct a Client. It intentionally
// holds no CLI/env concerns (see internal/config.Config, which loads these
// fields for the demo binaries).
type Config struct {
	URL                string
	Identity           Identity
	RequireBandwidthTickets bool
	MixPacketPayloadLen int
	Reconnect          ReconnectPolicy
}

// NewClient builds a disconnected Client ready for Connect.
func NewClient(cfg Config) (*Client, error) {
	chunker, err := chunking.NewChunker(cfg.MixPacketPayloadLen)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:      cfg.URL,
		identity: cfg.Identity,
		socket:   socketstate.New(),
		ledger:   bandwidth.NewLedger(cfg.RequireBandwidthTickets),
		chunk:    chunker,
		router:   router.New(classifyFrame),
		sem:      semaphore.NewWeighted(1),
		shutdown: make(chan struct{}),
	}
	c.reconnector = NewReconnector(cfg.Reconnect, c.dial)
	return c, nil
}

// classifyFrame distinguishes an acknowledgement frame from a message
// frame by its leading byte, the same one-byte discriminant the original
// sphinx acknowledgement scheme uses ahead of the opaque mix packet bytes.
func classifyFrame(payload []byte) router.FrameKind {
	if len(payload) > 0 && payload[0] == 0x01 {
		return router.KindAck
	}
	return router.KindMessage
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.dial", err)
	}

	transport := &wsTransport{conn: conn}
	key, err := PerformInitialAuthentication(transport, c.identity, c.key)
	if err != nil {
		conn.Close()
		return err
	}
	c.key = key

	if err := c.socket.SetAvailable(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Connect dials the gateway and performs the initial authentication
// handshake (register, or re-authenticate when a SharedKey already
// exists from a prior connection).
func (c *Client) Connect(ctx context.Context) error {
	return c.dial(ctx)
}

// Delegate hands the socket's read half to a background goroutine that
// decodes incoming binary frames and routes them through the packet
// router, returning a function to stop it. This is the "only other socket
// consumer" spec §5 permits alongside the façade itself.
func (c *Client) Delegate(ctx context.Context) (stop func(), err error) {
	conn, err := c.socket.Take()
	if err != nil {
		return nil, err
	}
	wsConn, ok := conn.(*websocket.Conn)
	if !ok {
		c.socket.Restore(conn)
		return nil, gatewayerr.New(gatewayerr.KindState, "gateway.Client.Delegate", fmt.Errorf("socket does not hold a websocket connection"))
	}
	handle := c.socket.Delegate(conn)

	readerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(readerCtx, wsConn)
	}()

	stop = func() {
		cancel()
		<-done
		handle.Return()
	}
	return stop, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err) {
				log.Warn().Err(err).Msg("gateway: connection closed by peer")
			} else {
				log.Error().Err(err).Msg("gateway: read failed")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			log.Debug().Int("kind", kind).Msg("gateway: dropping non-binary frame on delegated reader")
			continue
		}

		plaintext, err := c.key.Open(data)
		if err != nil {
			log.Warn().Err(err).Msg("gateway: dropping frame that failed to decrypt")
			continue
		}

		if err := c.router.Dispatch(ctx, router.Frame{Payload: plaintext}); err != nil {
			return
		}
	}
}

// Messages returns the channel of reassembled, decrypted message-sink
// frames.
func (c *Client) Messages() <-chan router.Frame { return c.router.Messages() }

// Acks returns the channel of decrypted acknowledgement-sink frames.
func (c *Client) Acks() <-chan router.Frame { return c.router.Acks() }

// SendMixPacket chunks payload and writes every resulting fragment as a
// sealed binary frame, in order, blocking until all are written or ctx is
// cancelled. Per spec §5, an in-flight write is never cancelled mid-frame:
// cancellation is only checked between fragments.
func (c *Client) SendMixPacket(ctx context.Context, payload []byte) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	fragments, err := c.chunk.Split(payload)
	if err != nil {
		return err
	}

	conn, err := c.socket.Take()
	if err != nil {
		return err
	}
	wsConn, ok := conn.(*websocket.Conn)
	if !ok {
		c.socket.Restore(conn)
		return gatewayerr.New(gatewayerr.KindState, "gateway.Client.SendMixPacket", fmt.Errorf("socket does not hold a websocket connection"))
	}
	defer c.socket.Restore(wsConn)

	for _, frag := range fragments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := frag.Bytes()
		if err != nil {
			return gatewayerr.New(gatewayerr.KindFraming, "gateway.Client.SendMixPacket", err)
		}
		sealed, err := c.key.Seal(raw)
		if err != nil {
			return err
		}

		wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wsConn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
			return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.SendMixPacket", err)
		}
	}
	return nil
}

// BatchSendMixPackets sends several independent payloads back to back,
// each individually chunked, preserving the strict per-payload send
// ordering SendMixPacket provides.
func (c *Client) BatchSendMixPackets(ctx context.Context, payloads [][]byte) error {
	for _, p := range payloads {
		if err := c.SendMixPacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// ClaimBandwidth spends a bandwidth ticket over the control channel,
// taking the ecash or free-testnet branch depending on how the ledger was
// configured (spec C.3).
func (c *Client) ClaimBandwidth(ctx context.Context, value int64, credentialBlob []byte) error {
	ticket, err := c.ledger.ClaimBandwidth(value)
	if err != nil {
		return err
	}

	conn, err := c.socket.Take()
	if err != nil {
		return err
	}
	defer c.socket.Restore(conn)
	wsConn := conn.(*websocket.Conn)
	transport := &wsTransport{conn: wsConn}

	if c.ledger.RequireTickets() {
		env, err := Encode(TypeClaimBandwidth, ClaimBandwidthRequest{TicketID: ticket.ID.String(), CredentialBlob: credentialBlob})
		if err != nil {
			return err
		}
		if err := transport.SendText(env); err != nil {
			_ = c.ledger.Revert(ticket.ID)
			return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.ClaimBandwidth", err)
		}
		raw, err := transport.RecvText()
		if err != nil {
			_ = c.ledger.Revert(ticket.ID)
			return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.ClaimBandwidth", err)
		}
		envelope, err := Decode(raw)
		if err != nil {
			return gatewayerr.New(gatewayerr.KindFraming, "gateway.Client.ClaimBandwidth", err)
		}
		if envelope.Type != TypeClaimBandwidthResponse {
			return gatewayerr.New(gatewayerr.KindProtocol, "gateway.Client.ClaimBandwidth", gatewayerr.ErrUnexpectedResponse)
		}
		var resp ClaimBandwidthResponse
		if err := unmarshalPayload(envelope, &resp); err != nil {
			return gatewayerr.New(gatewayerr.KindFraming, "gateway.Client.ClaimBandwidth", err)
		}
		if resp.Status == "replayed" {
			return gatewayerr.New(gatewayerr.KindBandwidth, "gateway.Client.ClaimBandwidth", gatewayerr.ErrTicketReplayed)
		}
		if resp.Status != "success" {
			_ = c.ledger.Revert(ticket.ID)
			return gatewayerr.New(gatewayerr.KindBandwidth, "gateway.Client.ClaimBandwidth", fmt.Errorf("gateway rejected bandwidth claim"))
		}
		return c.ledger.Acknowledge(ticket.ID)
	}

	env, err := Encode(TypeClaimFreeTestnetBandwidth, ClaimFreeTestnetBandwidthRequest{TicketID: ticket.ID.String()})
	if err != nil {
		return err
	}
	if err := transport.SendText(env); err != nil {
		_ = c.ledger.Revert(ticket.ID)
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.ClaimBandwidth", err)
	}
	raw, err := transport.RecvText()
	if err != nil {
		_ = c.ledger.Revert(ticket.ID)
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.Client.ClaimBandwidth", err)
	}
	envelope, err := Decode(raw)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.Client.ClaimBandwidth", err)
	}
	if envelope.Type != TypeClaimFreeTestnetBandwidthResponse {
		return gatewayerr.New(gatewayerr.KindProtocol, "gateway.Client.ClaimBandwidth", gatewayerr.ErrUnexpectedResponse)
	}
	var resp ClaimFreeTestnetBandwidthResponse
	if err := unmarshalPayload(envelope, &resp); err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.Client.ClaimBandwidth", err)
	}
	return c.ledger.Acknowledge(ticket.ID)
}

// ReconnectIfNeeded runs the reconnection supervisor against cause; on
// success the socket and shared key are replaced transparently and any
// caller still holding a stale *websocket.Conn from before the reconnect
// must re-fetch it via the façade rather than reuse the old reference.
func (c *Client) ReconnectIfNeeded(ctx context.Context, cause error) error {
	return c.reconnector.Run(ctx, cause)
}

// Close tears the client down: closes the socket if open and unblocks any
// goroutine waiting in Delegate's read loop. Safe to call more than once
// and safe to call concurrently with any other method.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	c.router.Close()
	return c.socket.Invalidate()
}

// IdentityKeyPair returns the client's long-term identity keypair.
func (c *Client) IdentityKeyPair() (ed25519.PublicKey, ed25519.PrivateKey) {
	return c.identity.Public, c.identity.Private
}
