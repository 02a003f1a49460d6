// Package vault encrypts provider credentials at rest with XChaCha20-Poly1305.
//
// An envelope is three base64 segments joined by ':' holding the nonce, the
// Poly1305 authentication tag and the ciphertext.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyLen is the required key length in bytes.
	KeyLen = chacha20poly1305.KeySize

	tagLen    = chacha20poly1305.Overhead
	separator = ":"
)

// DecryptionError reports an envelope that cannot be opened.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt credential: %s: %v", e.Reason, e.Err)
	}
	return "decrypt credential: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ErrInvalidKey is returned when the configured key is missing or has the wrong length.
var ErrInvalidKey = errors.New("vault key must be 32 bytes")

// Vault seals and opens credential envelopes with a single static key.
type Vault struct {
	key []byte
}

// New returns a Vault for a raw 32-byte key. A bad key does not fail here;
// every Encrypt and Decrypt call reports it instead.
func New(key []byte) *Vault {
	k := make([]byte, len(key))
	copy(k, key)
	return &Vault{key: k}
}

// ParseKey decodes a key given as standard base64 or hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeyLen {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeyLen {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", ErrInvalidKey)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt credential: read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + separator + enc.EncodeToString(tag) + separator + enc.EncodeToString(ct), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, &DecryptionError{Reason: "invalid key", Err: ErrInvalidKey}
	}

	parts := strings.Split(envelope, separator)
	if len(parts) != 3 {
		return nil, &DecryptionError{Reason: fmt.Sprintf("malformed envelope: want 3 parts, got %d", len(parts))}
	}
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, &DecryptionError{Reason: "malformed nonce", Err: err}
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, &DecryptionError{Reason: "malformed tag", Err: err}
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed ciphertext", Err: err}
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}
