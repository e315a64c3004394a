// Package crypt encrypts JSON documents for storage in the local session
// store.
//
// A Box derives a 256-bit key from the configured secret with HKDF-SHA256
// and seals documents with XChaCha20-Poly1305. Ciphertext is text:
//
//	base64( [version: 1 byte] [nonce: 24 bytes] [ciphertext+tag] )
//
// The version byte is authenticated as associated data, so a tampered version
// fails to open.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// FallbackKey is used when no crypto key is configured for the environment.
const FallbackKey = "crmlink.session.fallback-key.v1"

// blobVersion prefixes every sealed document.
const blobVersion byte = 0x01

var hkdfInfo = []byte("crmlink.session.v1")

var errMalformed = errors.New("malformed ciphertext")

// Box seals and opens JSON documents.
type Box struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// New creates a Box keyed from secret, or from FallbackKey when secret is
// empty.
func New(secret string, logger *slog.Logger) (*Box, error) {
	if secret == "" {
		secret = FallbackKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &Box{aead: aead, logger: logger.With("component", "crypt")}, nil
}

// Encrypt marshals v to JSON and seals it.
func (b *Box) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return b.seal(plaintext)
}

func (b *Box) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+b.aead.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = b.aead.Seal(blob, nonce, plaintext, []byte{blobVersion})
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (b *Box) open(cipherText string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+b.aead.Overhead() {
		return nil, errMalformed
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("unsupported version %d", blob[0])
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := b.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if !utf8.Valid(plaintext) {
		return nil, errors.New("plaintext is not valid UTF-8")
	}
	return plaintext, nil
}

// Decrypt opens cipherText and unmarshals it into a T. Any failure (bad
// encoding, wrong key, tampering, invalid UTF-8 or JSON) is logged as a
// warning and reported as ok=false, never as an error.
func Decrypt[T any](b *Box, cipherText string) (T, bool) {
	var zero T
	if cipherText == "" {
		return zero, false
	}

	plaintext, err := b.open(cipherText)
	if err != nil {
		b.logger.Warn("decrypt failed", "error", err)
		return zero, false
	}

	var v T
	if err := json.Unmarshal(plaintext, &v); err != nil {
		b.logger.Warn("decrypted value is not valid JSON", "error", err)
		return zero, false
	}
	return v, true
}
