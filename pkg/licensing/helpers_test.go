package licensing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
)

const testJWTSecret = "test-secret-0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	lm      *LicenseManager
	storage Storage
	clock   *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	storage := NewInMemoryStorage()
	clock := newFakeClock()
	base := []Option{
		WithClock(clock.Now),
		WithLogger(quietLogger()),
		WithBcryptCost(bcrypt.MinCost),
	}
	lm, err := NewLicenseManager(storage, newTestCipher(t), testJWTSecret, append(base, opts...)...)
	require.NoError(t, err)
	return &testEnv{lm: lm, storage: storage, clock: clock}
}

func (e *testEnv) createClient(t *testing.T, email string, days int) (*Account, *Subscription) {
	t.Helper()
	account, sub, err := e.lm.CreateAccount(context.Background(), nil, protocol.CreateAccountRequest{
		Email:        email,
		Password:     "correct-horse",
		DurationDays: days,
		Models:       []string{"predefined", "gemma"},
	})
	require.NoError(t, err)
	return account, sub
}

func (e *testEnv) createSuperadmin(t *testing.T) *Account {
	t.Helper()
	account, _, err := e.lm.EnsureSuperadmin(context.Background(), "root@kiosk.local", "super-secret-pw")
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

func (e *testEnv) login(email, fingerprint string) (*protocol.LoginResponse, error) {
	return e.lm.Login(context.Background(), LoginAttempt{
		Email:      email,
		Password:   "correct-horse",
		HardwareID: fingerprint,
	})
}
