package aead

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func randNonce(t *testing.T) [NonceSize]byte {
	t.Helper()
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	require.NoError(t, err)
	return n
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randKey(t)
	nonce := randNonce(t)
	plaintext := []byte("storage actions payload")

	ct, err := Seal(key, nonce, plaintext, nil)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ct)

	pt, err := Open(key, nonce, ct, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := randKey(t)
	nonce := randNonce(t)

	ct, err := Seal(key, nonce, []byte("hello"), nil)
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = Open(key, nonce, ct, nil)
	require.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	nonce := randNonce(t)
	ct, err := Seal(randKey(t), nonce, []byte("hello"), nil)
	require.NoError(t, err)

	_, err = Open(randKey(t), nonce, ct, nil)
	require.Error(t, err)
}
