package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const envelopeVersion = 1
const envelopeNonceSize = 12

// Envelope is an AES-GCM sealed blob with hex encoded fields, suitable for
// writing to disk as JSON.
type Envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// DeriveKey stretches secret material (salt + parts) into a 32-byte AES key.
func DeriveKey(salt string, parts ...string) ([]byte, error) {
	material := strings.TrimSpace(strings.Join(parts, "|"))
	if material == "" {
		return nil, errors.New("key material is required")
	}
	sum := sha256.Sum256([]byte(salt + material))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gcm: %w", err)
	}
	return gcm, nil
}

// SealEnvelope encrypts plaintext under key with a fresh random nonce.
func SealEnvelope(key, plaintext []byte) (*Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, envelopeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return &Envelope{
		Version:    envelopeVersion,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(key []byte, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("envelope missing")
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope nonce: %w", err)
	}
	if len(nonce) != envelopeNonceSize {
		return nil, fmt.Errorf("invalid envelope nonce length: %d", len(nonce))
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope: %w", err)
	}
	return plaintext, nil
}
