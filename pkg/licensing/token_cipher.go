package licensing

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

const (
	cipherKeySize   = 32
	cipherNonceSize = 12
	tokenDelimiter  = ":"
)

// LicensePayload is the plaintext sealed inside a license token.
type LicensePayload struct {
	SubscriptionID string           `json:"subscription_id"`
	ExpiresAt      time.Time        `json:"expires_at"`
	Models         []string         `json:"models"`
	Kind           SubscriptionKind `json:"kind"`
	IssuedAt       time.Time        `json:"issued_at"`
}

// Expired reports whether the embedded expiry has passed.
func (p *LicensePayload) Expired(now time.Time) bool {
	if p.Kind == SubscriptionPermanent {
		return false
	}
	return !now.Before(p.ExpiresAt)
}

// TokenCipher seals license payloads with AES-256-GCM. Tokens have the form
// hex(ciphertext) ":" hex(tag).
//
// The key and nonce are fixed for the life of the deployment, so every token
// is sealed under the same (key, nonce) pair. There is no rotation.
type TokenCipher struct {
	aead  cipher.AEAD
	nonce []byte
}

func NewTokenCipher(key, nonce []byte) (*TokenCipher, error) {
	if len(key) != cipherKeySize {
		return nil, fmt.Errorf("token cipher key must be %d bytes, got %d", cipherKeySize, len(key))
	}
	if len(nonce) != cipherNonceSize {
		return nil, fmt.Errorf("token cipher nonce must be %d bytes, got %d", cipherNonceSize, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gcm: %w", err)
	}
	return &TokenCipher{aead: aead, nonce: append([]byte(nil), nonce...)}, nil
}

func (tc *TokenCipher) Encode(payload LicensePayload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal license payload: %w", err)
	}
	sealed := tc.aead.Seal(nil, tc.nonce, plaintext, nil)
	split := len(sealed) - tc.aead.Overhead()
	return hex.EncodeToString(sealed[:split]) + tokenDelimiter + hex.EncodeToString(sealed[split:]), nil
}

// Decode opens a token. Every failure is reported as protocol.ErrInvalidToken.
func (tc *TokenCipher) Decode(token string) (*LicensePayload, error) {
	parts := strings.Split(strings.TrimSpace(token), tokenDelimiter)
	if len(parts) != 2 || parts[0] == "" {
		return nil, protocol.ErrInvalidToken
	}
	ciphertext, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, protocol.ErrInvalidToken
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tc.aead.Overhead() {
		return nil, protocol.ErrInvalidToken
	}
	plaintext, err := tc.aead.Open(nil, tc.nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, protocol.ErrInvalidToken
	}
	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.DisallowUnknownFields()
	var payload LicensePayload
	if err := decoder.Decode(&payload); err != nil {
		return nil, protocol.ErrInvalidToken
	}
	if payload.SubscriptionID == "" || payload.ExpiresAt.IsZero() {
		return nil, protocol.ErrInvalidToken
	}
	return &payload, nil
}
