package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// seal encrypts a token value with the store's key. The random nonce is
// prepended to the ciphertext.
func (s *Store) seal(plaintext string) ([]byte, error) {
	if s.key == nil {
		return nil, fmt.Errorf("no encryption key configured")
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key), nil
}

// open decrypts a sealed token value.
func (s *Store) open(ciphertext []byte) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("no encryption key configured")
	}
	if len(ciphertext) < 24 {
		return "", fmt.Errorf("ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, s.key)
	if !ok {
		return "", fmt.Errorf("failed to decrypt token value")
	}
	return string(plaintext), nil
}
