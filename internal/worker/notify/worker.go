package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/worker"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Deliverer renders and sends one payer notification.
type Deliverer interface {
	Deliver(ctx context.Context, msg queue.NotificationMessage) error
}

// Worker consumes the notifications topic.
type Worker struct {
	reader    worker.Reader
	deliverer Deliverer
	dlq       worker.DeadLetter
	logger    *logger.Logger
}

// New builds the notification worker.
func New(reader worker.Reader, deliverer Deliverer, dlq worker.DeadLetter, log *logger.Logger) *Worker {
	return &Worker{reader: reader, deliverer: deliverer, dlq: dlq, logger: log.Named("notifyworker")}
}

// Run sends notifications until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Consume(ctx, w.reader, w.dlq, w.logger, worker.Options{Name: "notifyworker"}, w.handle)
}

func (w *Worker) handle(ctx context.Context, m kafka.Message) error {
	var msg queue.NotificationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("notifyworker: %w: %v", apperrors.ErrValidation, err)
	}
	err := w.deliverer.Deliver(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrValidation):
		return err
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err)
	}
}
