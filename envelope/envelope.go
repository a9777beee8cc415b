// Package envelope seals blobs with a per-dataset AES-256-GCM key and keeps
// that key in its stored form.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/helix-tools/dataroom/apperr"
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

const nonceSize = 12

// NewKey returns a fresh random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts data. Output layout: [12 bytes nonce][ciphertext][16 bytes tag].
func Seal(data, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize, nonceSize+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Open reverses Seal. Tampered or truncated input is reported as Unavailable
// since the stored blob cannot be decoded.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+aead.Overhead() {
		return nil, apperr.New(apperr.Unavailable, "encrypted blob is truncated")
	}
	plain, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "failed to decrypt dataset")
	}
	return plain, nil
}
