package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// sliceReader serves queued messages, then blocks until cancelled.
type sliceReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *sliceReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *sliceReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingDLQ struct {
	mu     sync.Mutex
	parked []int64
}

func (d *recordingDLQ) Park(ctx context.Context, m kafka.Message, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked = append(d.parked, m.Offset)
	return nil
}

func TestConsumeCommitsParksAndRetries(t *testing.T) {
	reader := &sliceReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("bad")},
		{Offset: 3, Value: []byte("flaky")},
		{Offset: 4, Value: []byte("down")},
	}}
	dlq := &recordingDLQ{}

	var mu sync.Mutex
	attempts := map[string]int{}
	handle := func(ctx context.Context, m kafka.Message) error {
		mu.Lock()
		attempts[string(m.Value)]++
		n := attempts[string(m.Value)]
		mu.Unlock()

		switch string(m.Value) {
		case "bad":
			return fmt.Errorf("decode: %w", apperrors.ErrValidation)
		case "flaky":
			if n < 2 {
				return apperrors.ErrUnavailable
			}
		case "down":
			return fmt.Errorf("store: %w", apperrors.ErrUnavailable)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, reader, dlq, logger.Nop(), Options{Name: "test", MaxAttempts: 3, Backoff: time.Millisecond}, handle)
	}()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.Committed())
	assert.Equal(t, []int64{2, 4}, dlq.parked)
	assert.Equal(t, 1, attempts["bad"], "non-retryable errors are not retried")
	assert.Equal(t, 2, attempts["flaky"])
	assert.Equal(t, 3, attempts["down"])
}
