// Package gateway implements the client side of the gateway wire protocol:
// registration/authentication (C7), reconnection (C8), and the façade
// tying everything together (C9).
package gateway

import "encoding/json"

// Protocol version constants gate concrete wire behaviour. They are
// supplemented here from the original client (which threads them through
// every control message) since the distilled design only referred to "the
// negotiated protocol version" in prose.
const (
	// CurrentProtocolVersion is the version this client speaks by default.
	CurrentProtocolVersion = 3
	// AESGCMSIVProtocolVersion is the first protocol version with support
	// for the Modern shared-key variant. The client does not negotiate or
	// check it: UpgradeKeyAuthenticated sends UpgradeKey regardless of the
	// gateway's version.
	AESGCMSIVProtocolVersion = 2
	// CredentialUpdateV2ProtocolVersion is the first version that accepts
	// the v2 ecash ticket format in ClaimBandwidth.
	CredentialUpdateV2ProtocolVersion = 3
)

// ControlMessageType discriminates the JSON text-frame control messages
// defined in spec §6.
type ControlMessageType string

const (
	TypeAuthenticate             ControlMessageType = "authenticate"
	TypeAuthenticateResponse     ControlMessageType = "authenticateResponse"
	TypeRegister                 ControlMessageType = "register"
	TypeRegisterResponse         ControlMessageType = "registerResponse"
	TypeSupportedProtocol        ControlMessageType = "supportedProtocol"
	TypeSupportedProtocolResponse ControlMessageType = "supportedProtocolResponse"
	TypeUpgradeKey               ControlMessageType = "upgradeKey"
	TypeUpgradeKeyResponse       ControlMessageType = "upgradeKeyResponse"
	TypeClaimBandwidth           ControlMessageType = "claimBandwidth"
	TypeClaimBandwidthResponse   ControlMessageType = "claimBandwidthResponse"
	TypeClaimFreeTestnetBandwidth         ControlMessageType = "claimFreeTestnetBandwidth"
	TypeClaimFreeTestnetBandwidthResponse ControlMessageType = "claimFreeTestnetBandwidthResponse"
	TypeError                    ControlMessageType = "error"
)

// Envelope wraps every text-frame control message so the façade can peek
// at the type before decoding the typed payload.
type Envelope struct {
	Type    ControlMessageType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// RegisterRequest begins a fresh registration with the gateway.
type RegisterRequest struct {
	ClientIdentityPublicKey string `json:"clientIdentityPublicKey"`
	EphemeralPublicKey      string `json:"ephemeralPublicKey"`
	ProtocolVersion         int    `json:"protocolVersion"`
}

// RegisterResponse completes registration, carrying the material the
// client derives its legacy shared key from.
type RegisterResponse struct {
	GatewayEphemeralPublicKey string `json:"gatewayEphemeralPublicKey"`
	ProtocolVersion           int    `json:"protocolVersion"`
}

// AuthenticateRequest re-authenticates a client that already registered in
// a previous session.
type AuthenticateRequest struct {
	ClientIdentityPublicKey string `json:"clientIdentityPublicKey"`
	ProtocolVersion         int    `json:"protocolVersion"`
}

// AuthenticateResponse reports whether authentication succeeded.
type AuthenticateResponse struct {
	Status          string `json:"status"` // "success" | "failure"
	ProtocolVersion int    `json:"protocolVersion"`
	Reason          string `json:"reason,omitempty"`
}

// SupportedProtocolResponse answers a SupportedProtocol query.
type SupportedProtocolResponse struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// UpgradeKeyRequest asks the gateway to switch to the Modern shared-key
// variant, authenticated by an HKDF salt and a digest of the derived key
// so both sides can confirm they agree before switching.
type UpgradeKeyRequest struct {
	Salt   []byte `json:"salt"`
	Digest []byte `json:"digest"`
}

// UpgradeKeyResponse confirms or rejects an upgrade attempt.
type UpgradeKeyResponse struct {
	Status string `json:"status"` // "success" | "failure"
}

// ClaimBandwidthRequest spends an ecash ticket.
type ClaimBandwidthRequest struct {
	TicketID       string `json:"ticketId"`
	CredentialBlob []byte `json:"credentialBlob"`
}

// ClaimBandwidthResponse reports the outcome of a ClaimBandwidthRequest.
type ClaimBandwidthResponse struct {
	TicketID     string `json:"ticketId"`
	Status       string `json:"status"` // "success" | "replayed" | "error"
	AvailableBi2 int64  `json:"availableBi2"`
}

// ClaimFreeTestnetBandwidthRequest is the supplemented testnet-only branch
// (spec C.3): it carries no credential material at all.
type ClaimFreeTestnetBandwidthRequest struct {
	TicketID string `json:"ticketId"`
}

// ClaimFreeTestnetBandwidthResponse grants a fixed testnet allowance.
type ClaimFreeTestnetBandwidthResponse struct {
	TicketID     string `json:"ticketId"`
	GrantedBytes int64  `json:"grantedBytes"`
}

// ErrorMessage is sent by the gateway (or synthesized locally) to describe
// a protocol-level failure that doesn't fit a typed response.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode wraps a typed payload into an Envelope ready to send as a
// WebSocket text frame.
func Encode(t ControlMessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode splits a text frame into its Envelope so the caller can switch on
// Type before unmarshalling Payload into the concrete struct.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
