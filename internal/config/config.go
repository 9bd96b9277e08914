// Package config defines the gateway client's plain configuration struct.
// It carries no CLI or environment-variable coupling itself — that lives
// in the cmd/ binaries' viper-backed loaders — so that library callers
// can construct a Config directly.
package config

import "time"

// Config holds every field the gateway client façade needs to operate.
type Config struct {
	// GatewayURL is the wss:// (or ws:// for local testing) endpoint to
	// dial.
	GatewayURL string `mapstructure:"gateway_url"`

	// IdentityKeyPath/IdentityPubPath point at the PEM files holding the
	// client's persisted Ed25519 identity keypair.
	IdentityKeyPath string `mapstructure:"identity_key_path"`
	IdentityPubPath string `mapstructure:"identity_pub_path"`

	// PinnedGatewayFingerprint, when non-empty, is the expected base64
	// SHA-256 fingerprint of the Ed25519 public key in the gateway's TLS
	// certificate (see identity.Fingerprint).
	PinnedGatewayFingerprint string `mapstructure:"pinned_gateway_fingerprint"`

	// RequireBandwidthTickets selects the ecash ticket branch of
	// ClaimBandwidth over the free-testnet-claim branch.
	RequireBandwidthTickets bool `mapstructure:"require_bandwidth_tickets"`

	// MixPacketPayloadLen bounds how many bytes of application data fit in
	// a single mix packet payload, the budget the chunker splits against.
	MixPacketPayloadLen int `mapstructure:"mix_packet_payload_len"`

	// ReconnectMaxAttempts/ReconnectBackoff configure the reconnection
	// supervisor.
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect_backoff"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`
}

// Default returns a Config with the same defaults the demo CLI falls back
// to when a field is left unset in its YAML file or environment.
func Default() Config {
	return Config{
		GatewayURL:           "wss://127.0.0.1:9000/ws",
		IdentityKeyPath:      "identity.pem",
		IdentityPubPath:      "identity.pub.pem",
		RequireBandwidthTickets: false,
		MixPacketPayloadLen:  2048,
		ReconnectMaxAttempts: 5,
		ReconnectBackoff:     5 * time.Second,
		LogLevel:             "info",
	}
}
