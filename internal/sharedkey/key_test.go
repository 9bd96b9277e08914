package sharedkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

func legacyMaterial() []byte {
	m := make([]byte, legacyKeyLen)
	for i := range m {
		m[i] = byte(i)
	}
	return m
}

func TestLegacySealOpenRoundTrip(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)

	plaintext := []byte("mix packet payload")
	ciphertext, err := k.Seal(plaintext)
	require.NoError(t, err)

	got, err := k.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestLegacyOpenRejectsTamperedCiphertext(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)

	ciphertext, err := k.Seal([]byte("hello"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = k.Open(ciphertext)
	assert.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.KindCryptographic))
}

func TestModernSealOpenRoundTrip(t *testing.T) {
	k, err := NewModern(make([]byte, modernKeyLen))
	require.NoError(t, err)

	plaintext := []byte("mix packet payload")
	ciphertext, err := k.Seal(plaintext)
	require.NoError(t, err)

	got, err := k.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestTryUpgradeSucceedsWithSingleReference(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)

	salt, err := RandomSalt()
	require.NoError(t, err)

	require.NoError(t, k.TryUpgrade(salt))
	assert.Equal(t, Modern, k.Variant())
}

func TestTryUpgradeFailsWhenKeyInUse(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)

	release := k.Acquire()
	defer release()
	release2 := k.Acquire()
	defer release2()

	salt, err := RandomSalt()
	require.NoError(t, err)

	err = k.TryUpgrade(salt)
	assert.ErrorIs(t, err, gatewayerr.ErrKeyInUse)
	assert.Equal(t, Legacy, k.Variant())
}

func TestUpgradePreservesDecryptionOfNewTraffic(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)

	salt, err := RandomSalt()
	require.NoError(t, err)
	require.NoError(t, k.TryUpgrade(salt))

	ciphertext, err := k.Seal([]byte("post-upgrade"))
	require.NoError(t, err)
	got, err := k.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-upgrade"), got)
}

func TestDigestStableAcrossCalls(t *testing.T) {
	k, err := NewLegacy(legacyMaterial())
	require.NoError(t, err)
	assert.Equal(t, k.Digest(), k.Digest())
}
