// Package worker holds the Kafka consumer loop shared by the background workers.
package worker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Reader is the part of *kafka.Reader the loop uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DeadLetter parks messages that cannot be processed.
type DeadLetter interface {
	Park(ctx context.Context, m kafka.Message, cause error) error
}

// Handler processes one message.
type Handler func(ctx context.Context, m kafka.Message) error

// Options tunes the loop.
type Options struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
}

// Consume fetches, handles and commits messages until ctx is cancelled. Retryable failures are
// retried with backoff; anything still failing is parked on the dead-letter topic and committed
// so one bad message cannot stall its partition.
func Consume(ctx context.Context, reader Reader, dlq DeadLetter, log *logger.Logger, opts Options, handle Handler) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	tracer := otel.Tracer("adherence." + opts.Name)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(opts.Name+": fetch", zap.Error(err))
			continue
		}

		sctx, span := tracer.Start(ctx, opts.Name+".message", trace.WithAttributes(
			attribute.String("kafka.topic", msg.Topic),
			attribute.Int("kafka.partition", msg.Partition),
			attribute.Int64("kafka.offset", msg.Offset),
		))

		err = handleWithRetry(sctx, msg, handle, opts)
		if err != nil {
			span.RecordError(err)
			if ctx.Err() != nil {
				span.End()
				return ctx.Err()
			}
			log.WithContext(sctx).Error(opts.Name+": giving up on message", zap.Error(err),
				zap.String("key", string(msg.Key)), zap.Int64("offset", msg.Offset))
			if dlq != nil {
				if perr := dlq.Park(sctx, msg, err); perr != nil {
					log.Error(opts.Name+": park message", zap.Error(perr))
				}
			}
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			log.Error(opts.Name+": commit", zap.Error(err))
		}
		span.End()
	}
}

func handleWithRetry(ctx context.Context, msg kafka.Message, handle Handler, opts Options) error {
	delay := opts.Backoff
	var err error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err = handle(ctx, msg); err == nil || !apperrors.Retryable(err) {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
