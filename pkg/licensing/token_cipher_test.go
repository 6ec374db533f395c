package licensing

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

func newTestCipher(t *testing.T) *TokenCipher {
	t.Helper()
	keys, err := LoadCipherKeys(CipherKeyOptions{Mode: "ephemeral"})
	require.NoError(t, err)
	tc, err := NewTokenCipher(keys.Key, keys.Nonce)
	require.NoError(t, err)
	return tc
}

func samplePayload() LicensePayload {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return LicensePayload{
		SubscriptionID: "sub-123",
		ExpiresAt:      now.Add(30 * 24 * time.Hour),
		Models:         []string{"predefined", "gemma"},
		Kind:           SubscriptionRental,
		IssuedAt:       now,
	}
}

func TestTokenCipherRoundTrip(t *testing.T) {
	tc := newTestCipher(t)
	payload := samplePayload()

	token, err := tc.Encode(payload)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(token, ":"))

	decoded, err := tc.Decode(token)
	require.NoError(t, err)
	assert.True(t, decoded.ExpiresAt.Equal(payload.ExpiresAt))
	assert.True(t, decoded.IssuedAt.Equal(payload.IssuedAt))
	assert.Equal(t, payload.Models, decoded.Models)
	assert.Equal(t, payload.Kind, decoded.Kind)
	assert.Equal(t, payload.SubscriptionID, decoded.SubscriptionID)
}

func TestTokenCipherDetectsEveryByteFlip(t *testing.T) {
	tc := newTestCipher(t)
	token, err := tc.Encode(samplePayload())
	require.NoError(t, err)

	parts := strings.Split(token, ":")
	ciphertext, err := hex.DecodeString(parts[0])
	require.NoError(t, err)
	tag, err := hex.DecodeString(parts[1])
	require.NoError(t, err)

	for i := range ciphertext {
		flipped := append([]byte(nil), ciphertext...)
		flipped[i] ^= 0x01
		_, err := tc.Decode(hex.EncodeToString(flipped) + ":" + parts[1])
		require.ErrorIs(t, err, protocol.ErrInvalidToken, "ciphertext byte %d", i)
	}
	for i := range tag {
		flipped := append([]byte(nil), tag...)
		flipped[i] ^= 0x80
		_, err := tc.Decode(parts[0] + ":" + hex.EncodeToString(flipped))
		require.ErrorIs(t, err, protocol.ErrInvalidToken, "tag byte %d", i)
	}
}

func TestTokenCipherRejectsMalformedTokens(t *testing.T) {
	tc := newTestCipher(t)
	token, err := tc.Encode(samplePayload())
	require.NoError(t, err)
	parts := strings.Split(token, ":")

	cases := map[string]string{
		"empty":           "",
		"no delimiter":    parts[0] + parts[1],
		"extra delimiter": token + ":00",
		"bad hex":         "zz" + token,
		"short tag":       parts[0] + ":" + parts[1][:10],
		"empty body":      ":" + parts[1],
		"swapped":         parts[1] + ":" + parts[0],
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.Decode(input)
			assert.ErrorIs(t, err, protocol.ErrInvalidToken)
		})
	}
}

func TestTokenCipherWrongKey(t *testing.T) {
	token, err := newTestCipher(t).Encode(samplePayload())
	require.NoError(t, err)
	_, err = newTestCipher(t).Decode(token)
	assert.ErrorIs(t, err, protocol.ErrInvalidToken)
}

func TestPayloadExpiry(t *testing.T) {
	p := samplePayload()
	assert.False(t, p.Expired(p.ExpiresAt.Add(-time.Second)))
	assert.True(t, p.Expired(p.ExpiresAt))

	p.Kind = SubscriptionPermanent
	assert.False(t, p.Expired(p.ExpiresAt.Add(time.Hour)))
}

func TestLoadCipherKeys(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		keys, err := LoadCipherKeys(CipherKeyOptions{
			KeyHex:   strings.Repeat("ab", 32),
			NonceHex: strings.Repeat("cd", 12),
		})
		require.NoError(t, err)
		assert.Len(t, keys.Key, 32)
		assert.Len(t, keys.Nonce, 12)
		assert.Equal(t, "env", keys.Source)
	})

	t.Run("env wrong length", func(t *testing.T) {
		_, err := LoadCipherKeys(CipherKeyOptions{KeyHex: "abcd", NonceHex: strings.Repeat("cd", 12)})
		assert.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.json")
		written, err := LoadCipherKeys(CipherKeyOptions{Mode: "ephemeral"})
		require.NoError(t, err)
		require.NoError(t, WriteCipherKeysFile(path, written))

		keys, err := LoadCipherKeys(CipherKeyOptions{Mode: "file", File: path})
		require.NoError(t, err)
		assert.Equal(t, written.Key, keys.Key)
		assert.Equal(t, written.Nonce, keys.Nonce)
	})

	t.Run("file insecure permissions", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.json")
		written, err := LoadCipherKeys(CipherKeyOptions{Mode: "ephemeral"})
		require.NoError(t, err)
		require.NoError(t, WriteCipherKeysFile(path, written))
		require.NoError(t, os.Chmod(path, 0o644))

		_, err = LoadCipherKeys(CipherKeyOptions{Mode: "file", File: path})
		assert.Error(t, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := LoadCipherKeys(CipherKeyOptions{Mode: "tpm"})
		assert.Error(t, err)
	})
}
