// Package aead wraps the ChaCha20-Poly1305 AEAD cipher used for both
// authenticated-stream frames and encrypted broadcast actions (spec
// §4.1, §4.5), modeled on the teacher's qzmq session cipher.
package aead

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize and NonceSize match chacha20poly1305's requirements; both
// the stream handshake's derived session key and a sender key are
// exactly KeySize bytes, and every delta/frame nonce is NonceSize.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

// Seal encrypts plaintext with key and nonce, returning ciphertext
// with the authentication tag appended. additionalData may be nil.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Open decrypts ciphertext (as produced by Seal) with key and nonce,
// returning the plaintext or an error on authentication failure (MAC
// mismatch, spec §7 "Decryption failure").
func Open(key [KeySize]byte, nonce [NonceSize]byte, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce[:], ciphertext, additionalData)
}
