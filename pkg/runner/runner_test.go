package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	activated bool
	verifyErr error
	verified  int
}

func (s *stubClient) ServerURL() string { return "https://licensing.test" }
func (s *stubClient) IsActivated() bool { return s.activated }

func (s *stubClient) Verify(ctx context.Context) (string, error) {
	s.verified++
	if s.verifyErr != nil {
		return "", s.verifyErr
	}
	return "session", nil
}

func newStubRunner(t *testing.T, c *stubClient, cfg Config[string]) *Runner[string] {
	t.Helper()
	cfg.ClientFactory = func() (Client[string], error) { return c, nil }
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func TestRunRequiresFactory(t *testing.T) {
	_, err := NewRunner(Config[string]{})
	assert.Error(t, err)
}

func TestRunRefusesWithoutSession(t *testing.T) {
	c := &stubClient{}
	r := newStubRunner(t, c, Config[string]{})
	called := false
	err := r.Run(context.Background(), func(context.Context, string) error {
		called = true
		return nil
	})
	assert.ErrorContains(t, err, "activation failed")
	assert.False(t, called)
	assert.Zero(t, c.verified)
}

func TestRunChainFallsThrough(t *testing.T) {
	c := &stubClient{}
	login := ActivationFunc[string](func(ctx context.Context, client Client[string]) error {
		c.activated = true
		return nil
	})
	r := newStubRunner(t, c, Config[string]{
		Activation: ComposeActivation[string](EnsureExistingActivation[string]{}, login),
	})

	var got string
	require.NoError(t, r.Run(context.Background(), func(_ context.Context, license string) error {
		got = license
		return nil
	}))
	assert.Equal(t, "session", got)
}

func TestRunVerifyFailure(t *testing.T) {
	c := &stubClient{activated: true, verifyErr: errors.New("revoked")}
	r := newStubRunner(t, c, Config[string]{})
	err := r.Run(context.Background(), func(context.Context, string) error { return nil })
	assert.ErrorContains(t, err, "revoked")
}

func TestRunCancelsAppWhenWatchEnds(t *testing.T) {
	c := &stubClient{activated: true}
	ended := errors.New("session ended")
	r := newStubRunner(t, c, Config[string]{
		Watch: func(ctx context.Context) error { return ended },
	})

	err := r.Run(context.Background(), func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, err, ended)
}

func TestRunStopsWatchWhenAppReturns(t *testing.T) {
	c := &stubClient{activated: true}
	r := newStubRunner(t, c, Config[string]{
		Watch: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})
	assert.NoError(t, r.Run(context.Background(), func(context.Context, string) error { return nil }))
}
