package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts credential blobs at rest with XChaCha20-Poly1305.
// The nonce is prepended to the ciphertext.
type Sealer struct {
	key []byte
}

// Argon2id parameters for passphrase-derived keys.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// kdfSalt is a fixed application salt. Blobs are not portable secrets
// shared across installs, so a per-install random salt would only add a
// second file to lose; the passphrase carries the entropy.
var kdfSalt = []byte("roost.credential.seal.v1")

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// NewSealerFromPassphrase derives the seal key from a passphrase with
// Argon2id.
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	key := argon2.IDKey([]byte(passphrase), kdfSalt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	return NewSealer(key)
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short (%d bytes)", len(blob))
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}
