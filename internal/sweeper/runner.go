package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner invokes the sweep on a fixed interval until its context is
// canceled.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner wires a Runner around an existing Sweeper. A non-positive
// interval falls back to one hour.
func NewRunner(sweeper *Sweeper, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{sweeper: sweeper, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is done. Sweep
// errors are logged and the loop continues; the next interval retries.
func (r *Runner) Run(ctx context.Context) {
	r.sweepOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Runner) sweepOnce(ctx context.Context) {
	report, err := r.sweeper.RunSweep(ctx)
	if err != nil {
		r.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	r.logger.Info("sweep completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("expired", report.Expired),
		zap.Int("extended", report.Extended),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("warned", report.Warned),
		zap.Bool("truncated", report.Truncated))
}
