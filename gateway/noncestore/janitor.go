package noncestore

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the janitor prunes expired records.
const DefaultSweepInterval = time.Minute

// Janitor periodically sweeps a store. Lazy expiry already keeps reservations
// correct; the janitor only bounds storage growth, so stopping it at any point
// is safe.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	nowFn    func() time.Time
	logger   *slog.Logger
}

// NewJanitor returns a janitor for store, or nil when the backend expires
// records on its own.
func NewJanitor(store Store, interval time.Duration, nowFn func() time.Time, logger *slog.Logger) *Janitor {
	sweeper, ok := store.(Sweeper)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{sweeper: sweeper, interval: interval, nowFn: nowFn, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs the result.
func (j *Janitor) SweepOnce(ctx context.Context) int {
	removed, err := j.sweeper.Sweep(ctx, j.nowFn())
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("nonce sweep failed", "error", err)
		}
		return removed
	}
	if removed > 0 {
		j.logger.Debug("nonce sweep", "removed", removed)
	}
	return removed
}
