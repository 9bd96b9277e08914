// Package sharedkey implements the gateway shared-key store: a tagged
// Legacy/Modern symmetric key used to seal and open traffic between the
// client and a single gateway, along with the in-place upgrade path from
// the legacy AEAD construction to the modern one.
package sharedkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

// Variant tags which construction a SharedKey uses.
type Variant uint8

const (
	// Legacy is AES-128-CTR with an HMAC-SHA256 tag appended, the
	// construction older gateways still speak.
	Legacy Variant = iota
	// Modern is AES-256-GCM. The real deployed gateways use AES-256-GCM-SIV
	// for nonce-misuse resistance; no third-party Go package in the
	// example pack (or the wider ecosystem, at the time of writing) ships
	// a GCM-SIV implementation, and the specification treats the AEAD
	// itself as a black box, so GCM-SIV is approximated here by stdlib
	// AES-256-GCM behind the same Variant tag and API.
	Modern
)

const (
	legacyKeyLen = 16 + 32 // AES-128 key + HMAC-SHA256 key
	modernKeyLen = 32      // AES-256-GCM key
	hkdfSaltLen  = 32
)

// SharedKey is a refcounted, tagged symmetric key. The refcount mirrors the
// Rust implementation's Arc<SharedKeys> strong-count check: TryUpgrade only
// succeeds when this is the sole outstanding reference, since an in-place
// variant swap would otherwise invalidate a key a concurrent caller is
// mid-use with.
type SharedKey struct {
	mu      sync.RWMutex
	variant Variant
	legacy  legacyKey
	modern  modernKey

	refs int32
}

type legacyKey struct {
	cipherKey [16]byte
	macKey    [32]byte
}

type modernKey struct {
	key [32]byte
}

// NewLegacy constructs a SharedKey in the Legacy variant from raw material
// of exactly legacyKeyLen bytes (as produced by the registration
// handshake's key derivation).
func NewLegacy(material []byte) (*SharedKey, error) {
	if len(material) != legacyKeyLen {
		return nil, fmt.Errorf("sharedkey: legacy key material must be %d bytes, got %d", legacyKeyLen, len(material))
	}
	k := &SharedKey{variant: Legacy}
	copy(k.legacy.cipherKey[:], material[:16])
	copy(k.legacy.macKey[:], material[16:])
	return k, nil
}

// NewModern constructs a SharedKey directly in the Modern variant. The
// registration handshake (gateway.Register) always derives a Legacy key
// and does not call it.
func NewModern(material []byte) (*SharedKey, error) {
	if len(material) != modernKeyLen {
		return nil, fmt.Errorf("sharedkey: modern key material must be %d bytes, got %d", modernKeyLen, len(material))
	}
	k := &SharedKey{variant: Modern}
	copy(k.modern.key[:], material)
	return k, nil
}

// Acquire increments the reference count and returns a release function.
// TryUpgrade and PreviewUpgrade refuse while more than one reference is
// held. The façade (C9) and the packet router (C6) do not call Acquire, so
// their use of the key never blocks an upgrade.
func (k *SharedKey) Acquire() (release func()) {
	atomic.AddInt32(&k.refs, 1)
	var once sync.Once
	return func() {
		once.Do(func() { atomic.AddInt32(&k.refs, -1) })
	}
}

// Variant returns the key's current construction.
func (k *SharedKey) Variant() Variant {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.variant
}

// Digest returns a SHA-256 digest of the key's current material. The
// upgrade handshake does not use it: UpgradeKeyAuthenticated sends the
// digest from PreviewUpgrade, which covers the candidate modern key.
func (k *SharedKey) Digest() [32]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.variant == Modern {
		return sha256.Sum256(k.modern.key[:])
	}
	buf := append(append([]byte{}, k.legacy.cipherKey[:]...), k.legacy.macKey[:]...)
	return sha256.Sum256(buf)
}

// candidateModernKey derives the Modern key salt would produce without
// mutating k, so both PreviewUpgrade and TryUpgrade can share the
// derivation (HKDF is deterministic in material, salt, and info, so
// computing it twice yields the same key).
func (k *SharedKey) candidateModernKey(salt []byte) ([]byte, error) {
	if atomic.LoadInt32(&k.refs) > 1 {
		return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.candidateModernKey", gatewayerr.ErrKeyInUse)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.variant == Modern {
		return append([]byte{}, k.modern.key[:]...), nil
	}

	material := append(append([]byte{}, k.legacy.cipherKey[:]...), k.legacy.macKey[:]...)
	return deriveModernKey(material, salt)
}

// PreviewUpgrade computes the digest of the Modern key salt would produce
// without committing the swap, so the caller can send it to the gateway
// and wait for agreement before TryUpgrade makes it irreversible.
func (k *SharedKey) PreviewUpgrade(salt []byte) ([32]byte, error) {
	derived, err := k.candidateModernKey(salt)
	if err != nil {
		return [32]byte{}, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.PreviewUpgrade", err)
	}
	return sha256.Sum256(derived), nil
}

// TryUpgrade swaps a Legacy key for a Modern one derived via HKDF from the
// legacy material and the given salt, but only if no other caller
// currently holds a reference (see Acquire). It returns gatewayerr.ErrKeyInUse
// if the key is in use, leaving the key untouched.
func (k *SharedKey) TryUpgrade(salt []byte) error {
	derived, err := k.candidateModernKey(salt)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.variant == Modern {
		return nil
	}

	copy(k.modern.key[:], derived)
	k.variant = Modern
	k.legacy = legacyKey{}
	return nil
}

func deriveModernKey(material, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, material, salt, []byte("nym-gateway-shared-key-upgrade"))
	out := make([]byte, modernKeyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Seal encrypts and authenticates plaintext, returning a self-contained
// ciphertext (nonce/IV and tag included) ready to place on the wire.
func (k *SharedKey) Seal(plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	switch k.variant {
	case Modern:
		block, err := aes.NewCipher(k.modern.key[:])
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Seal", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Seal", err)
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Seal", err)
		}
		return gcm.Seal(nonce, nonce, plaintext, nil), nil
	default:
		block, err := aes.NewCipher(k.legacy.cipherKey[:])
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Seal", err)
		}
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Seal", err)
		}
		ciphertext := make([]byte, len(plaintext))
		cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

		mac := hmac.New(sha256.New, k.legacy.macKey[:])
		mac.Write(iv)
		mac.Write(ciphertext)
		tag := mac.Sum(nil)

		out := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
		out = append(out, iv...)
		out = append(out, ciphertext...)
		out = append(out, tag...)
		return out, nil
	}
}

// Open authenticates and decrypts a blob produced by Seal. It returns
// gatewayerr.KindCryptographic on any MAC/AEAD failure.
func (k *SharedKey) Open(blob []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	switch k.variant {
	case Modern:
		block, err := aes.NewCipher(k.modern.key[:])
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", err)
		}
		if len(blob) < gcm.NonceSize() {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", fmt.Errorf("ciphertext shorter than nonce"))
		}
		nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", err)
		}
		return plaintext, nil
	default:
		const tagLen = sha256.Size
		if len(blob) < aes.BlockSize+tagLen {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", fmt.Errorf("ciphertext too short"))
		}
		iv := blob[:aes.BlockSize]
		tag := blob[len(blob)-tagLen:]
		ciphertext := blob[aes.BlockSize : len(blob)-tagLen]

		mac := hmac.New(sha256.New, k.legacy.macKey[:])
		mac.Write(iv)
		mac.Write(ciphertext)
		if !hmac.Equal(tag, mac.Sum(nil)) {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", fmt.Errorf("mac mismatch"))
		}

		block, err := aes.NewCipher(k.legacy.cipherKey[:])
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindCryptographic, "sharedkey.Open", err)
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
		return plaintext, nil
	}
}

// RandomSalt returns hkdfSaltLen fresh random bytes suitable for use with
// TryUpgrade.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, hkdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sharedkey: generating salt: %w", err)
	}
	return salt, nil
}
