package licensing

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 15 * time.Minute

// ExpiryWatchdog periodically moves elapsed rentals to expired.
type ExpiryWatchdog struct {
	lm       *LicenseManager
	interval time.Duration
	logger   *slog.Logger
}

func NewExpiryWatchdog(lm *LicenseManager, interval time.Duration) *ExpiryWatchdog {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpiryWatchdog{lm: lm, interval: interval, logger: lm.logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *ExpiryWatchdog) Run(ctx context.Context) error {
	w.sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWatchdog) sweep(ctx context.Context) {
	if _, err := w.lm.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("expiry sweep failed", "error", err)
	}
}
