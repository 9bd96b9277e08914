// Package identity manages the client's long-term Ed25519 identity
// keypair and the TLS certificate pinning used when dialing a gateway
// over wss, adapted from the teacher's key-management helpers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// GenerateKeyPair generates a new Ed25519 identity keypair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SavePrivateKey writes an Ed25519 private key to a PKCS8 PEM file.
func SavePrivateKey(privKey ed25519.PrivateKey, path string) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
}

// SavePublicKey writes an Ed25519 public key to a PKIX PEM file.
func SavePublicKey(pubKey ed25519.PublicKey, path string) error {
	pkix, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: "PUBLIC KEY", Bytes: pkix})
}

// LoadPrivateKey reads an Ed25519 private key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	privKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	return privKey, nil
}

// LoadPublicKey reads an Ed25519 public key from a PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pubKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an Ed25519 public key")
	}
	return pubKey, nil
}

// Fingerprint returns the SHA-256 fingerprint of a public key, base64
// encoded, used both for human-readable display and for TLS pinning.
func Fingerprint(pubKey ed25519.PublicKey) string {
	hash := sha256.Sum256(pubKey)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// GenerateTLSCertificate creates a self-signed certificate for a gateway's
// wss listener, bound to its Ed25519 identity key.
func GenerateTLSCertificate(privKey ed25519.PrivateKey) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"Nym Gateway"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	pubKey := privKey.Public().(ed25519.PublicKey)
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: privKey, Leaf: &template}, nil
}

// CreatePinningVerifier returns a TLS verification callback that accepts
// only a certificate whose public key matches expectedFingerprint, used
// when a client already knows which gateway identity it intends to reach.
func CreatePinningVerifier(expectedFingerprint string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no certificates provided")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("certificate does not contain an Ed25519 public key")
		}
		if got := Fingerprint(pubKey); got != expectedFingerprint {
			return fmt.Errorf("gateway certificate fingerprint mismatch: got %s, expected %s", got, expectedFingerprint)
		}
		return nil
	}
}

// ServerTLSConfig returns a TLS config for a gateway's wss listener.
func ServerTLSConfig(privKey ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := GenerateTLSCertificate(privKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"nym-gateway-ws"}}, nil
}

// ClientTLSConfig returns a TLS config that pins the gateway's identity
// fingerprint instead of relying on a certificate authority.
func ClientTLSConfig(expectedFingerprint string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: CreatePinningVerifier(expectedFingerprint),
		NextProtos:            []string{"nym-gateway-ws"},
	}
}
