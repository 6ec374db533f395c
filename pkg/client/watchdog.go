package client

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultRevalidateInterval = time.Minute
	DefaultExpiryCheck        = 10 * time.Second
)

// Watchdog keeps a running kiosk honest: it revalidates the session with the
// server on a fixed cadence and logs the session out the moment it expires.
type Watchdog struct {
	store              *SessionStore
	revalidateInterval time.Duration
	expiryCheck        time.Duration
	logger             *slog.Logger
	onExpired          func()
}

type WatchdogOption func(*Watchdog)

func WithRevalidateInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.revalidateInterval = d
		}
	}
}

func WithExpiryCheck(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.expiryCheck = d
		}
	}
}

func WithWatchdogLogger(logger *slog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// OnSessionEnded is called after the watchdog destroys a session, either on
// expiry or on an explicit server rejection.
func OnSessionEnded(fn func()) WatchdogOption {
	return func(w *Watchdog) { w.onExpired = fn }
}

func NewWatchdog(store *SessionStore, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		store:              store,
		revalidateInterval: DefaultRevalidateInterval,
		expiryCheck:        DefaultExpiryCheck,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.revalidateLoop(ctx) })
	g.Go(func() error { return w.expiryLoop(ctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// revalidateLoop schedules the next check one interval after the previous
// one finished so slow responses never stack up.
func (w *Watchdog) revalidateLoop(ctx context.Context) error {
	for {
		w.revalidate(ctx)
		timer := time.NewTimer(w.revalidateInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Watchdog) revalidate(ctx context.Context) {
	if w.store.Current() == nil {
		return
	}
	valid, err := w.store.Revalidate(ctx)
	if err != nil {
		w.logger.Warn("kiosk session revoked", "error", err)
	}
	if !valid && w.store.Current() == nil {
		w.ended()
	}
}

// expiryLoop polls on a coarse tick and also wakes exactly at the cached
// expiry so a session never outlives its subscription by more than a tick.
func (w *Watchdog) expiryLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.expiryCheck)
	defer ticker.Stop()
	for {
		var exact <-chan time.Time
		var timer *time.Timer
		if expiresAt, ok := w.store.ExpiresAt(); ok {
			wait := expiresAt.Sub(w.store.now())
			if wait < 0 {
				wait = 0
			}
			if wait < w.expiryCheck {
				timer = time.NewTimer(wait)
				exact = timer.C
			}
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-ticker.C:
		case <-exact:
		}
		if timer != nil {
			timer.Stop()
		}
		if w.store.EnforceExpiry() {
			w.ended()
		}
	}
}

func (w *Watchdog) ended() {
	if w.onExpired != nil {
		w.onExpired()
	}
}
