package runner

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Client describes the minimal capabilities required by the licensing runner.
type Client[T any] interface {
	ServerURL() string
	IsActivated() bool
	Verify(ctx context.Context) (T, error)
}

// ClientFactory builds a client instance on demand.
type ClientFactory[T any] func() (Client[T], error)

// LicensedAppFunc represents the entrypoint for the protected application.
// Its context is cancelled when the watcher stops, e.g. when the session
// is revoked.
type LicensedAppFunc[T any] func(context.Context, T) error

// ActivationStrategy allows applications to customize how the initial login
// happens.
type ActivationStrategy[T any] interface {
	EnsureActivated(context.Context, Client[T]) error
}

// ActivationFunc adapts a simple function into an ActivationStrategy.
type ActivationFunc[T any] func(context.Context, Client[T]) error

func (f ActivationFunc[T]) EnsureActivated(ctx context.Context, client Client[T]) error {
	if f == nil {
		return nil
	}
	return f(ctx, client)
}

// EnsureExistingActivation only lets an already logged-in client through.
type EnsureExistingActivation[T any] struct{}

func (EnsureExistingActivation[T]) EnsureActivated(_ context.Context, client Client[T]) error {
	if client.IsActivated() {
		return nil
	}
	return fmt.Errorf("no active license session on this device")
}

// ActivationChain composes multiple ActivationStrategy instances in order.
type ActivationChain[T any] []ActivationStrategy[T]

// EnsureActivated executes strategies in order until one succeeds.
func (chain ActivationChain[T]) EnsureActivated(ctx context.Context, client Client[T]) error {
	var lastErr error
	for _, strategy := range chain {
		if strategy == nil {
			continue
		}
		if err := strategy.EnsureActivated(ctx, client); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func ComposeActivation[T any](strategies ...ActivationStrategy[T]) ActivationStrategy[T] {
	return ActivationChain[T](strategies)
}

// Hooks allow callers to integrate additional behavior around verification.
type Hooks[T any] struct {
	BeforeVerify func(context.Context, Client[T]) error
	AfterVerify  func(context.Context, T) error
}

type Config[T any] struct {
	ClientFactory ClientFactory[T]
	Activation    ActivationStrategy[T]
	Hooks         Hooks[T]
	// Watch runs alongside the application; when it returns the
	// application's context is cancelled.
	Watch  func(context.Context) error
	Logger *slog.Logger
}

// Runner wraps application execution with licensing guarantees.
type Runner[T any] struct {
	cfg Config[T]
}

func NewRunner[T any](cfg Config[T]) (*Runner[T], error) {
	if cfg.ClientFactory == nil {
		return nil, fmt.Errorf("ClientFactory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner[T]{cfg: cfg}, nil
}

// Run logs in, verifies the session, and executes the protected app.
func (r *Runner[T]) Run(ctx context.Context, fn LicensedAppFunc[T]) error {
	if fn == nil {
		return fmt.Errorf("licensed application entrypoint is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := r.cfg.ClientFactory()
	if err != nil {
		return fmt.Errorf("failed to initialize license client: %w", err)
	}

	activation := r.cfg.Activation
	if activation == nil {
		activation = EnsureExistingActivation[T]{}
	}
	if err := activation.EnsureActivated(ctx, client); err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}

	if hook := r.cfg.Hooks.BeforeVerify; hook != nil {
		if err := hook(ctx, client); err != nil {
			return fmt.Errorf("before verify hook failed: %w", err)
		}
	}
	license, err := client.Verify(ctx)
	if err != nil {
		return fmt.Errorf("license verification failed: %w", err)
	}
	if hook := r.cfg.Hooks.AfterVerify; hook != nil {
		if err := hook(ctx, license); err != nil {
			return fmt.Errorf("after verify hook failed: %w", err)
		}
	}
	r.cfg.Logger.Info("license verified", "server", client.ServerURL())

	appCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(appCtx)
	if watch := r.cfg.Watch; watch != nil {
		g.Go(func() error {
			defer cancel()
			return watch(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return fn(gctx, license)
	})
	return g.Wait()
}
