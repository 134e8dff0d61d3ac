package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDiscoveryKeyDeterministic(t *testing.T) {
	var pk PublicKey
	_, err := rand.Read(pk[:])
	require.NoError(t, err)

	dk1, err := DeriveDiscoveryKey(pk)
	require.NoError(t, err)
	dk2, err := DeriveDiscoveryKey(pk)
	require.NoError(t, err)
	assert.Equal(t, dk1, dk2)

	var other PublicKey
	_, err = rand.Read(other[:])
	require.NoError(t, err)
	dk3, err := DeriveDiscoveryKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, dk1, dk3)
}

func TestStreamCipherSymmetric(t *testing.T) {
	var pk PublicKey
	_, err := rand.Read(pk[:])
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	plain := make([]byte, 5000)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	enc := NewStreamCipher(pk, nonce)
	cipherText := make([]byte, len(plain))
	enc.XORKeyStream(cipherText, plain)
	assert.False(t, bytes.Equal(cipherText, plain))

	dec := NewStreamCipher(pk, nonce)
	decoded := make([]byte, len(cipherText))
	dec.XORKeyStream(decoded, cipherText)
	assert.Equal(t, plain, decoded)
}

func TestStreamCipherSymmetricChunked(t *testing.T) {
	var pk PublicKey
	_, err := rand.Read(pk[:])
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	plain := make([]byte, 300)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	enc := NewStreamCipher(pk, nonce)
	cipherText := make([]byte, len(plain))
	// encrypt in uneven chunks to exercise offset tracking across calls
	chunks := []int{1, 7, 64, 65, 163}
	pos := 0
	for _, c := range chunks {
		enc.XORKeyStream(cipherText[pos:pos+c], plain[pos:pos+c])
		pos += c
	}

	dec := NewStreamCipher(pk, nonce)
	decoded := make([]byte, len(plain))
	dec.XORKeyStream(decoded, cipherText)
	assert.Equal(t, plain, decoded)
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	var pk PublicKey
	_, err := rand.Read(pk[:])
	require.NoError(t, err)

	parsed, err := ParsePublicKey(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, parsed)

	_, err = ParsePublicKey("not-hex")
	assert.Error(t, err)
	_, err = ParsePublicKey("aabb")
	assert.Error(t, err)
}
