package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/internal/service/orchestrator"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

const patientUnavailable = "patient unavailable"

// Dispatcher sends already-recorded calls to the voice provider.
type Dispatcher interface {
	DispatchExisting(ctx context.Context, calls []domain.Call) orchestrator.Summary
}

// NotificationPublisher enqueues payer alerts.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// Handler schedules retries for unanswered calls and promotes them once due.
type Handler struct {
	configs    repository.CallConfigStore
	calls      repository.CallStore
	patients   repository.PatientStore
	dispatcher Dispatcher
	notifier   NotificationPublisher
	metrics    *metrics.PipelineMetrics
	logger     *logger.Logger
	lookBack   time.Duration
	now        func() time.Time
}

// NewHandler wires the retry handler. lookBack bounds how far back the sweep searches for due retries.
func NewHandler(
	configs repository.CallConfigStore,
	calls repository.CallStore,
	patients repository.PatientStore,
	dispatcher Dispatcher,
	notifier NotificationPublisher,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
	lookBack time.Duration,
) *Handler {
	if lookBack <= 0 {
		lookBack = 48 * time.Hour
	}
	return &Handler{
		configs:    configs,
		calls:      calls,
		patients:   patients,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		logger:     log.Named("retry"),
		lookBack:   lookBack,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleUnanswered reacts to a call that ended no_answer or busy.
// It returns the scheduled retry, or nil when none was created. Running it again for the
// same call neither creates a second retry nor loses the missed-call alert.
func (h *Handler) HandleUnanswered(ctx context.Context, call *domain.Call) (*domain.Call, error) {
	log := h.logger.WithContext(ctx).With(
		zap.String("call_id", call.ID.String()),
		zap.String("patient_id", call.PatientID.String()),
		zap.String("status", string(call.Status)),
		zap.Int("retry_count", call.RetryCount),
	)

	cfg, err := h.configs.FindByPatient(ctx, call.PatientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("retry: no call configuration, not retrying")
			h.metrics.ObserveRetry("no_config")
			return nil, nil
		}
		return nil, fmt.Errorf("retry: load configuration: %w", err)
	}
	if !cfg.Retry.Enabled || !cfg.Retry.Allows(call.Status) {
		log.Debug("retry: policy does not retry this outcome")
		h.metrics.ObserveRetry("not_retryable")
		return nil, nil
	}

	if call.RetryCount < cfg.Retry.MaxRetries {
		return h.scheduleRetry(ctx, call, cfg.Retry, log)
	}
	return nil, h.exhaust(ctx, call, log)
}

// RetryCallID is the id of the retry scheduled for the call. Each attempt has at most one retry.
func RetryCallID(failed uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(failed, []byte("retry"))
}

func (h *Handler) scheduleRetry(ctx context.Context, failed *domain.Call, policy domain.RetryPolicy, log *zap.Logger) (*domain.Call, error) {
	now := h.now()
	base := now
	if failed.EndedAt != nil {
		base = *failed.EndedAt
	}
	original := failed.ID
	next := &domain.Call{
		ID:                     RetryCallID(failed.ID),
		PatientID:              failed.PatientID,
		PayerID:                failed.PayerID,
		Timing:                 failed.Timing,
		ScheduledAt:            base.Add(policy.Interval()),
		Status:                 domain.CallStatusScheduled,
		RetryCount:             failed.RetryCount + 1,
		IsRetry:                true,
		OriginalCallID:         &original,
		MedicinesChecked:       domain.NewPendingEntries(failed.MedicinesChecked, now),
		VitalsChecked:          domain.VitalsNotAsked,
		IsFirstCall:            failed.IsFirstCall,
		UsedNewPatientProtocol: failed.UsedNewPatientProtocol,
	}
	if err := h.calls.CreateCall(ctx, next); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("retry: create retry record: %w", err)
		}
		existing, err := h.calls.GetCall(ctx, next.ID)
		if err != nil {
			return nil, fmt.Errorf("retry: load existing retry: %w", err)
		}
		h.metrics.ObserveRetry("already_scheduled")
		log.Info("retry: already scheduled", zap.String("retry_call_id", existing.ID.String()))
		return existing, nil
	}

	h.metrics.ObserveRetry("scheduled")
	log.Info("retry: scheduled",
		zap.String("retry_call_id", next.ID.String()),
		zap.Time("scheduled_at", next.ScheduledAt),
		zap.Int("attempt", next.RetryCount))
	return next, nil
}

// exhaust marks what is still pending as missed, alerts the payer and closes the chain as failed.
// The record only leaves no_answer/busy after the alert is published.
func (h *Handler) exhaust(ctx context.Context, call *domain.Call, log *zap.Logger) error {
	at := h.now()
	var changed int
	if _, err := h.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		changed = c.MarkAllMissed(at)
		if changed == 0 {
			return repository.ErrNoChange
		}
		return nil
	}); err != nil {
		return fmt.Errorf("retry: mark medicines missed: %w", err)
	}

	if err := h.notifier.PublishNotification(ctx, queue.NotificationMessage{
		Kind:       queue.NotificationMissedCall,
		CallID:     call.ID,
		PatientID:  call.PatientID,
		OccurredAt: at,
	}); err != nil {
		return fmt.Errorf("retry: publish missed-call alert: %w", err)
	}

	var rejected error
	if _, err := h.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		if rejected = c.Apply(domain.EventRetriesExhausted); rejected != nil {
			return repository.ErrNoChange
		}
		reason := "retries exhausted"
		c.LastError = &reason
		c.FollowUpDone = true
		return nil
	}); err != nil {
		return fmt.Errorf("retry: close exhausted chain: %w", err)
	}
	if rejected != nil {
		log.Debug("retry: chain already closed", zap.Error(rejected))
	}

	h.metrics.ObserveRetry("exhausted")
	log.Info("retry: attempts exhausted", zap.Int("marked_missed", changed))
	return nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Due       int
	Cancelled int
	orchestrator.Summary
}

// Sweep promotes retries whose time has come. Records of patients who can no longer be called are cancelled.
func (h *Handler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	tracer := otel.Tracer("adherence.retry")
	ctx, span := tracer.Start(ctx, "retry.sweep", trace.WithAttributes(
		attribute.String("sweep.at", now.Format(time.RFC3339)),
	))
	defer span.End()

	log := h.logger.WithContext(ctx)
	var result SweepResult

	due, err := h.calls.ListDueRetries(ctx, now, h.lookBack)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("retry: list due retries: %w", err)
	}
	result.Due = len(due)

	promote := make([]domain.Call, 0, len(due))
	for i := range due {
		call := due[i]
		if call.Status != domain.CallStatusScheduled {
			h.remove(ctx, &call)
			continue
		}

		patient, err := h.patients.Get(ctx, call.PatientID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Error("retry: load patient", zap.Error(err), zap.String("call_id", call.ID.String()))
			continue
		}
		if !patient.Callable() {
			if h.cancel(ctx, &call) {
				result.Cancelled++
			}
			continue
		}
		promote = append(promote, call)
	}

	if len(promote) > 0 {
		result.Summary = h.dispatcher.DispatchExisting(ctx, promote)
		for i := range promote {
			h.remove(ctx, &promote[i])
		}
	}

	span.SetAttributes(
		attribute.Int("due", result.Due),
		attribute.Int("cancelled", result.Cancelled),
		attribute.Int("dispatched", result.Dispatched),
	)
	log.Info("retry: sweep finished",
		zap.Int("due", result.Due),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (h *Handler) cancel(ctx context.Context, call *domain.Call) bool {
	log := h.logger.WithContext(ctx).With(zap.String("call_id", call.ID.String()))
	reason := patientUnavailable

	var from domain.CallStatus
	var rejected error
	_, err := h.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		from = c.Status
		if rejected = c.Apply(domain.EventCancelled); rejected != nil {
			return repository.ErrNoChange
		}
		c.LastError = &reason
		return nil
	})
	if err != nil {
		log.Error("retry: cancel retry", zap.Error(err))
		return false
	}
	if rejected != nil {
		log.Warn("retry: transition rejected", zap.Error(rejected),
			zap.String("from", string(from)), zap.String("event", string(domain.EventCancelled)))
		h.metrics.ObserveRejectedTransition(string(from), string(domain.EventCancelled))
	}

	h.remove(ctx, call)
	h.metrics.ObserveRetry("cancelled")
	log.Info("retry: cancelled, patient unavailable")
	return rejected == nil
}

func (h *Handler) remove(ctx context.Context, call *domain.Call) {
	if err := h.calls.RemoveDueRetry(ctx, call); err != nil {
		h.logger.WithContext(ctx).Warn("retry: remove from due index", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}
