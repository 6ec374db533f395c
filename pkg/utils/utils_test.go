package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	key, err := DeriveKey("salt", "fingerprint")
	require.NoError(t, err)

	env, err := SealEnvelope(key, []byte(`{"session":"data"}`))
	require.NoError(t, err)

	plain, err := OpenEnvelope(key, env)
	require.NoError(t, err)
	assert.Equal(t, `{"session":"data"}`, string(plain))

	other, err := DeriveKey("salt", "other-fingerprint")
	require.NoError(t, err)
	_, err = OpenEnvelope(other, env)
	assert.Error(t, err)
}

func TestOpenEnvelopeRejectsTampering(t *testing.T) {
	key, err := DeriveKey("salt", "fp")
	require.NoError(t, err)
	env, err := SealEnvelope(key, []byte("payload"))
	require.NoError(t, err)

	tampered := *env
	b := []byte(tampered.Ciphertext)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	tampered.Ciphertext = string(b)
	_, err = OpenEnvelope(key, &tampered)
	assert.Error(t, err)

	badVersion := *env
	badVersion.Version = 9
	_, err = OpenEnvelope(key, &badVersion)
	assert.Error(t, err)

	_, err = OpenEnvelope(key, nil)
	assert.Error(t, err)
}

func TestDeriveKeyRequiresMaterial(t *testing.T) {
	_, err := DeriveKey("salt", " ", "")
	assert.Error(t, err)
}

func TestNormalizeList(t *testing.T) {
	assert.Equal(t, []string{"predefined", "gemma"}, NormalizeList([]string{" predefined", " gemma ", "", "predefined"}))
	assert.Empty(t, NormalizeList(nil))
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.True(t, rl.allowAt("10.0.0.1", now), "request %d should pass", i)
	}
	assert.False(t, rl.allowAt("10.0.0.1", now))
	assert.True(t, rl.allowAt("10.0.0.2", now), "keys are independent")

	assert.True(t, rl.allowAt("10.0.0.1", now.Add(21*time.Second)), "one token refills after window/max")
}

func TestRateLimiterSweepsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Now()
	require.True(t, rl.allowAt("a", now))
	require.True(t, rl.allowAt("b", now.Add(3*time.Second)))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, stillThere := rl.buckets["a"]
	assert.False(t, stillThere)
}
