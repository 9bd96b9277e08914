package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/rs/zerolog/log"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
	"github.com/nymproject/gateway-client/internal/sharedkey"
)

// Transport is the minimal request/response surface the authentication
// flow needs from the websocket connection. Production code implements it
// with a thin wrapper around *websocket.Conn; tests use a fake.
type Transport interface {
	SendText(env []byte) error
	RecvText() ([]byte, error)
}

// Identity is the client's long-term Ed25519 identity keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// ephemeralKeyPair generates a fresh X25519 keypair for one handshake.
func ephemeralKeyPair() (public, private [32]byte, err error) {
	pub, priv, err := EphemeralKeyPair()
	return pub, priv, err
}

// EphemeralKeyPair generates a fresh X25519 keypair for one handshake. It
// is exported so the mock gateway test double can play the other side of
// the same registration handshake the façade drives.
func EphemeralKeyPair() (public, private [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return public, private, fmt.Errorf("gateway: generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return public, private, fmt.Errorf("gateway: deriving ephemeral public key: %w", err)
	}
	copy(public[:], pub)
	return public, private, nil
}

// DeriveLegacyMaterial turns an ECDH shared secret into the 48 bytes of
// key material NewLegacy expects (16-byte AES key + 32-byte HMAC key). It
// is exported for the same reason as EphemeralKeyPair.
func DeriveLegacyMaterial(sharedSecret []byte) ([]byte, error) {
	return deriveLegacyMaterial(sharedSecret)
}

func deriveLegacyMaterial(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte("nym-gateway-registration"))
	out := make([]byte, 48)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Register performs a fresh registration with the gateway: send our
// identity and an ephemeral X25519 public key, receive the gateway's
// ephemeral public key back, and derive a Legacy SharedKey from the ECDH
// result. This is perform_initial_authentication's register branch.
func Register(t Transport, id Identity) (*sharedkey.SharedKey, error) {
	ephPub, ephPriv, err := ephemeralKeyPair()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindRegistration, "gateway.Register", err)
	}

	req := RegisterRequest{
		ClientIdentityPublicKey: base64.StdEncoding.EncodeToString(id.Public),
		EphemeralPublicKey:      base64.StdEncoding.EncodeToString(ephPub[:]),
		ProtocolVersion:         CurrentProtocolVersion,
	}
	env, err := Encode(TypeRegister, req)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindRegistration, "gateway.Register", err)
	}
	if err := t.SendText(env); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindTransport, "gateway.Register", err)
	}

	raw, err := t.RecvText()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindTransport, "gateway.Register", err)
	}
	envelope, err := Decode(raw)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindFraming, "gateway.Register", err)
	}
	if envelope.Type != TypeRegisterResponse {
		return nil, gatewayerr.New(gatewayerr.KindProtocol, "gateway.Register", gatewayerr.ErrUnexpectedResponse)
	}

	var resp RegisterResponse
	if err := unmarshalPayload(envelope, &resp); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindFraming, "gateway.Register", err)
	}

	gatewayEphPub, err := base64.StdEncoding.DecodeString(resp.GatewayEphemeralPublicKey)
	if err != nil || len(gatewayEphPub) != 32 {
		return nil, gatewayerr.New(gatewayerr.KindRegistration, "gateway.Register", fmt.Errorf("malformed gateway ephemeral key"))
	}

	secret, err := curve25519.X25519(ephPriv[:], gatewayEphPub)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindRegistration, "gateway.Register", err)
	}

	material, err := deriveLegacyMaterial(secret)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindCryptographic, "gateway.Register", err)
	}

	key, err := sharedkey.NewLegacy(material)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindCryptographic, "gateway.Register", err)
	}

	log.Info().Int("protocolVersion", resp.ProtocolVersion).Msg("gateway: registered")
	return key, nil
}

// Authenticate re-establishes a session for a client that already
// registered in an earlier connection. It does not produce a new
// SharedKey: the caller is expected to already hold one from persisted
// state.
func Authenticate(t Transport, id Identity) error {
	req := AuthenticateRequest{
		ClientIdentityPublicKey: base64.StdEncoding.EncodeToString(id.Public),
		ProtocolVersion:         CurrentProtocolVersion,
	}
	env, err := Encode(TypeAuthenticate, req)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindRegistration, "gateway.Authenticate", err)
	}
	if err := t.SendText(env); err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.Authenticate", err)
	}

	raw, err := t.RecvText()
	if err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.Authenticate", err)
	}
	envelope, err := Decode(raw)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.Authenticate", err)
	}
	if envelope.Type != TypeAuthenticateResponse {
		return gatewayerr.New(gatewayerr.KindProtocol, "gateway.Authenticate", gatewayerr.ErrUnexpectedResponse)
	}

	var resp AuthenticateResponse
	if err := unmarshalPayload(envelope, &resp); err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.Authenticate", err)
	}
	if resp.Status != "success" {
		return gatewayerr.New(gatewayerr.KindRegistration, "gateway.Authenticate", fmt.Errorf("authentication refused: %s", resp.Reason))
	}
	return nil
}

// PerformInitialAuthentication is the original client's register-or-
// authenticate entry point: it tries Authenticate first (when a prior
// SharedKey exists), falling back to a fresh Register otherwise.
func PerformInitialAuthentication(t Transport, id Identity, existing *sharedkey.SharedKey) (*sharedkey.SharedKey, error) {
	if existing != nil {
		if err := Authenticate(t, id); err == nil {
			return existing, nil
		} else if !gatewayerr.Is(err, gatewayerr.KindRegistration) {
			return nil, err
		}
		log.Warn().Msg("gateway: authentication failed, falling back to registration")
	}
	return Register(t, id)
}

// UpgradeKeyAuthenticated drives the legacy-to-modern key upgrade
// handshake: derive a candidate modern key's digest locally via
// PreviewUpgrade without committing it, send the gateway the salt and
// digest, and only call TryUpgrade to commit the swap if the gateway
// echoes success (meaning it derived the same key independently).
func UpgradeKeyAuthenticated(t Transport, key *sharedkey.SharedKey) error {
	salt, err := sharedkey.RandomSalt()
	if err != nil {
		return gatewayerr.New(gatewayerr.KindCryptographic, "gateway.UpgradeKeyAuthenticated", err)
	}

	digest, err := key.PreviewUpgrade(salt)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindCryptographic, "gateway.UpgradeKeyAuthenticated", err)
	}

	env, err := Encode(TypeUpgradeKey, UpgradeKeyRequest{Salt: salt, Digest: digest[:]})
	if err != nil {
		return gatewayerr.New(gatewayerr.KindCryptographic, "gateway.UpgradeKeyAuthenticated", err)
	}
	if err := t.SendText(env); err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.UpgradeKeyAuthenticated", err)
	}

	raw, err := t.RecvText()
	if err != nil {
		return gatewayerr.New(gatewayerr.KindTransport, "gateway.UpgradeKeyAuthenticated", err)
	}
	envelope, err := Decode(raw)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.UpgradeKeyAuthenticated", err)
	}
	if envelope.Type != TypeUpgradeKeyResponse {
		return gatewayerr.New(gatewayerr.KindProtocol, "gateway.UpgradeKeyAuthenticated", gatewayerr.ErrUnexpectedResponse)
	}

	var resp UpgradeKeyResponse
	if err := unmarshalPayload(envelope, &resp); err != nil {
		return gatewayerr.New(gatewayerr.KindFraming, "gateway.UpgradeKeyAuthenticated", err)
	}
	if resp.Status != "success" {
		return gatewayerr.New(gatewayerr.KindCryptographic, "gateway.UpgradeKeyAuthenticated", gatewayerr.ErrKeyUpgradeFailed)
	}

	if err := key.TryUpgrade(salt); err != nil {
		return gatewayerr.New(gatewayerr.KindCryptographic, "gateway.UpgradeKeyAuthenticated", err)
	}

	log.Info().Msg("gateway: shared key upgraded to modern variant")
	return nil
}

func unmarshalPayload(env Envelope, out any) error {
	return json.Unmarshal(env.Payload, out)
}
