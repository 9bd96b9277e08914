package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/curve25519"

	"github.com/nymproject/gateway-client/internal/sharedkey"
)

func encodeB64(b []byte) string         { return base64.StdEncoding.EncodeToString(b) }
func decodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// fakeTransport plays the gateway side of the handshake entirely in
// memory: SendText feeds straight into a handler installed by the test,
// which queues whatever it wants RecvText to return next.
type fakeTransport struct {
	handle func(env []byte) []byte
	queued [][]byte
}

func (f *fakeTransport) SendText(env []byte) error {
	f.queued = append(f.queued, f.handle(env))
	return nil
}

func (f *fakeTransport) RecvText() ([]byte, error) {
	resp := f.queued[0]
	f.queued = f.queued[1:]
	return resp, nil
}

func TestRegisterDerivesSharedKey(t *testing.T) {
	id := testIdentity(t)

	gwPub, gwPriv, err := EphemeralKeyPair()
	require.NoError(t, err)

	var clientEphPub []byte
	transport := &fakeTransport{handle: func(env []byte) []byte {
		envelope, err := Decode(env)
		require.NoError(t, err)
		require.Equal(t, TypeRegister, envelope.Type)

		var req RegisterRequest
		require.NoError(t, unmarshalPayload(envelope, &req))
		clientEphPub, err = decodeB64(req.EphemeralPublicKey)
		require.NoError(t, err)

		resp, err := Encode(TypeRegisterResponse, RegisterResponse{
			GatewayEphemeralPublicKey: encodeB64(gwPub[:]),
			ProtocolVersion:           CurrentProtocolVersion,
		})
		require.NoError(t, err)
		return resp
	}}

	key, err := Register(transport, id)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.NotNil(t, clientEphPub)

	secret, err := curve25519.X25519(gwPriv[:], clientEphPub)
	require.NoError(t, err)
	material, err := deriveLegacyMaterial(secret)
	require.NoError(t, err)
	expected, err := sharedkey.NewLegacy(material)
	require.NoError(t, err)

	plaintext := []byte("round trip through both derivations")
	sealed, err := expected.Seal(plaintext)
	require.NoError(t, err)
	opened, err := key.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestAuthenticateSuccess(t *testing.T) {
	id := testIdentity(t)
	transport := &fakeTransport{handle: func(env []byte) []byte {
		envelope, err := Decode(env)
		require.NoError(t, err)
		require.Equal(t, TypeAuthenticate, envelope.Type)
		resp, err := Encode(TypeAuthenticateResponse, AuthenticateResponse{Status: "success", ProtocolVersion: CurrentProtocolVersion})
		require.NoError(t, err)
		return resp
	}}

	assert.NoError(t, Authenticate(transport, id))
}

func TestAuthenticateFailure(t *testing.T) {
	id := testIdentity(t)
	transport := &fakeTransport{handle: func(env []byte) []byte {
		resp, err := Encode(TypeAuthenticateResponse, AuthenticateResponse{Status: "failure", Reason: "unknown client"})
		require.NoError(t, err)
		return resp
	}}

	err := Authenticate(transport, id)
	assert.Error(t, err)
}

func TestPerformInitialAuthenticationFallsBackToRegister(t *testing.T) {
	id := testIdentity(t)
	gwPub, gwPriv, err := EphemeralKeyPair()
	require.NoError(t, err)

	calls := 0
	transport := &fakeTransport{handle: func(env []byte) []byte {
		envelope, err := Decode(env)
		require.NoError(t, err)
		calls++
		switch envelope.Type {
		case TypeAuthenticate:
			resp, err := Encode(TypeAuthenticateResponse, AuthenticateResponse{Status: "failure", Reason: "no prior registration"})
			require.NoError(t, err)
			return resp
		case TypeRegister:
			var req RegisterRequest
			require.NoError(t, unmarshalPayload(envelope, &req))
			resp, err := Encode(TypeRegisterResponse, RegisterResponse{
				GatewayEphemeralPublicKey: encodeB64(gwPub[:]),
				ProtocolVersion:           CurrentProtocolVersion,
			})
			require.NoError(t, err)
			return resp
		default:
			t.Fatalf("unexpected message type %q", envelope.Type)
			return nil
		}
	}}
	_ = gwPriv

	existingMaterial := make([]byte, 48)
	_, err = rand.Read(existingMaterial)
	require.NoError(t, err)
	existing, err := sharedkey.NewLegacy(existingMaterial)
	require.NoError(t, err)

	key, err := PerformInitialAuthentication(transport, id, existing)
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, 2, calls)
}

func TestUpgradeKeyAuthenticatedRequiresGatewayAgreement(t *testing.T) {
	material := make([]byte, 48)
	_, err := rand.Read(material)
	require.NoError(t, err)
	key, err := sharedkey.NewLegacy(material)
	require.NoError(t, err)

	transport := &fakeTransport{handle: func(env []byte) []byte {
		envelope, err := Decode(env)
		require.NoError(t, err)
		require.Equal(t, TypeUpgradeKey, envelope.Type)
		resp, err := Encode(TypeUpgradeKeyResponse, UpgradeKeyResponse{Status: "success"})
		require.NoError(t, err)
		return resp
	}}

	assert.NoError(t, UpgradeKeyAuthenticated(transport, key))
	assert.Equal(t, sharedkey.Modern, key.Variant())
}

func TestUpgradeKeyAuthenticatedRejectedByGateway(t *testing.T) {
	material := make([]byte, 48)
	_, err := rand.Read(material)
	require.NoError(t, err)
	key, err := sharedkey.NewLegacy(material)
	require.NoError(t, err)

	transport := &fakeTransport{handle: func(env []byte) []byte {
		resp, err := Encode(TypeUpgradeKeyResponse, UpgradeKeyResponse{Status: "failure"})
		require.NoError(t, err)
		return resp
	}}

	assert.Error(t, UpgradeKeyAuthenticated(transport, key))
}

func testIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Identity{Public: pub, Private: priv}
}
