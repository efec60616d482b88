package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/service/retry"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

type countingSweeper struct {
	n int32
}

func (s *countingSweeper) Sweep(ctx context.Context, now time.Time) (retry.SweepResult, error) {
	if atomic.AddInt32(&s.n, 1) == 1 {
		return retry.SweepResult{}, errors.New("scylla: unavailable")
	}
	return retry.SweepResult{}, nil
}

func TestRunSweepsOnInterval(t *testing.T) {
	sweeper := &countingSweeper{}
	w := New(sweeper, 10*time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&sweeper.n) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled), "a failed sweep does not stop the loop")
}
