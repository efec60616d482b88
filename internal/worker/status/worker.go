package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/service/callstatus"
	"github.com/acme/adherence-call-pipeline/internal/worker"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Applier folds a status callback into its call.
type Applier interface {
	Apply(ctx context.Context, msg queue.StatusMessage) (callstatus.Outcome, error)
}

// Worker consumes telephony status callbacks from Kafka.
type Worker struct {
	reader  worker.Reader
	applier Applier
	dlq     worker.DeadLetter
	logger  *logger.Logger
}

// New creates a status worker.
func New(reader worker.Reader, applier Applier, dlq worker.DeadLetter, log *logger.Logger) *Worker {
	return &Worker{reader: reader, applier: applier, dlq: dlq, logger: log.Named("statusworker")}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Consume(ctx, w.reader, w.dlq, w.logger, worker.Options{Name: "statusworker"}, w.handle)
}

func (w *Worker) handle(ctx context.Context, m kafka.Message) error {
	var msg queue.StatusMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("statusworker: %w: %v", apperrors.ErrValidation, err)
	}

	out, err := w.applier.Apply(ctx, msg)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) || apperrors.Retryable(err) {
			return err
		}
		// store and broker failures are worth another attempt
		return fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err)
	}
	if out.Call != nil {
		w.logger.WithContext(ctx).Debug("statusworker: applied",
			zap.String("call_id", out.Call.ID.String()),
			zap.String("status", string(out.Call.Status)),
			zap.Bool("transitioned", out.Transitioned))
	}
	return nil
}
