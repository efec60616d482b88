package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/service/retry"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Sweeper promotes due retries.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (retry.SweepResult, error)
}

// Worker runs the retry sweep on a fixed interval.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *logger.Logger
}

// New creates a retry worker. The interval defaults to 30 minutes.
func New(sweeper Sweeper, interval time.Duration, log *logger.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Worker{sweeper: sweeper, interval: interval, logger: log.Named("retryworker")}
}

// Run sweeps immediately and then on every interval until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.sweeper.Sweep(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			w.logger.Error("retryworker: sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
