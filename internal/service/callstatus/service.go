package callstatus

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// PauseReasonInvalidPhone is stored on patients whose number the carrier rejected.
const PauseReasonInvalidPhone = "invalid_phone"

// RetryScheduler reacts to calls that were not answered.
type RetryScheduler interface {
	HandleUnanswered(ctx context.Context, call *domain.Call) (*domain.Call, error)
}

// NotificationPublisher enqueues payer notifications.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// Outcome describes what applying one status message did.
type Outcome struct {
	Call         *domain.Call
	Transitioned bool
	PhoneInvalid bool
	Retry        *domain.Call
}

// Service applies telephony status callbacks to call records.
type Service struct {
	calls        repository.CallStore
	patients     repository.PatientStore
	retries      RetryScheduler
	notifier     NotificationPublisher
	metrics      *metrics.PipelineMetrics
	logger       *logger.Logger
	invalidCodes map[string]struct{}
}

// NewService wires status handling. invalidCodes are carrier error codes meaning the number does not exist.
func NewService(
	calls repository.CallStore,
	patients repository.PatientStore,
	retries RetryScheduler,
	notifier NotificationPublisher,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
	invalidCodes []string,
) *Service {
	codes := make(map[string]struct{}, len(invalidCodes))
	for _, c := range invalidCodes {
		codes[strings.TrimSpace(c)] = struct{}{}
	}
	return &Service{
		calls:        calls,
		patients:     patients,
		retries:      retries,
		notifier:     notifier,
		metrics:      m,
		logger:       log.Named("callstatus"),
		invalidCodes: codes,
	}
}

// Apply folds one status message into its call. Messages for unknown calls are dropped.
func (s *Service) Apply(ctx context.Context, msg queue.StatusMessage) (Outcome, error) {
	tracer := otel.Tracer("adherence.callstatus")
	ctx, span := tracer.Start(ctx, "callstatus.apply", trace.WithAttributes(
		attribute.String("call.id", msg.CallID.String()),
		attribute.String("provider.call_id", msg.ProviderCallID),
		attribute.String("status", msg.Status),
	))
	defer span.End()

	log := s.logger.WithContext(ctx).With(
		zap.String("status", msg.Status),
		zap.String("error_code", msg.ErrorCode),
		zap.String("provider_call_id", msg.ProviderCallID),
	)

	call, err := s.resolve(ctx, msg)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("callstatus: no call for status callback")
			s.metrics.ObserveWebhook("status", "unknown_call")
			return Outcome{}, nil
		}
		span.RecordError(err)
		return Outcome{}, err
	}
	log = log.With(zap.String("call_id", call.ID.String()), zap.String("patient_id", call.PatientID.String()))

	var out Outcome
	if _, invalid := s.invalidCodes[msg.ErrorCode]; invalid && msg.ErrorCode != "" {
		if err := s.flagInvalidPhone(ctx, call, log); err != nil {
			span.RecordError(err)
			return Outcome{}, err
		}
		out.PhoneInvalid = true
	}

	event, hasEvent := domain.EventForProviderStatus(strings.ToLower(strings.TrimSpace(msg.Status)))

	var (
		from     domain.CallStatus
		rejected error
		moved    bool
	)
	updated, err := s.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		from, rejected, moved = c.Status, nil, false
		changed := false

		if hasEvent {
			if rejected = c.Apply(event); rejected == nil {
				moved = c.Status != from
				changed = moved
			}
		}
		if rejected == nil && event == domain.EventAnswered && c.AnsweredAt == nil {
			answered := occurredAt(msg)
			c.AnsweredAt = &answered
			changed = true
		}
		if moved && c.Status.IsTerminal() && c.EndedAt == nil {
			ended := occurredAt(msg)
			c.EndedAt = &ended
		}
		if moved && c.Status == domain.CallStatusFailed && msg.ErrorCode != "" {
			reason := "provider error " + msg.ErrorCode
			c.LastError = &reason
		}
		if msg.DurationSecs > 0 && c.DurationSecs == 0 {
			c.DurationSecs = msg.DurationSecs
			changed = true
		}
		if msg.RecordingURL != "" && c.RecordingURL == "" {
			c.RecordingURL = msg.RecordingURL
			changed = true
		}
		if !changed {
			return repository.ErrNoChange
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("callstatus: update call %s: %w", call.ID, err)
	}
	out.Call = updated
	out.Transitioned = moved

	if rejected != nil {
		log.Warn("callstatus: transition rejected", zap.Error(rejected),
			zap.String("from", string(from)), zap.String("event", string(event)))
		s.metrics.ObserveRejectedTransition(string(from), string(event))
	}
	label := "ignored"
	if hasEvent {
		label = string(event)
	}
	s.metrics.ObserveWebhook("status", label)

	// A record left unanswered without follow-up had its retry handling interrupted;
	// any later delivery picks it up again.
	if updated.Status.Unanswered() && !updated.FollowUpDone && !out.PhoneInvalid && s.retries != nil {
		retry, err := s.retries.HandleUnanswered(ctx, updated)
		if err != nil {
			span.RecordError(err)
			return out, fmt.Errorf("callstatus: retry handling: %w", err)
		}
		out.Retry = retry
		marked, err := s.markFollowUpDone(ctx, call.ID)
		if err != nil {
			span.RecordError(err)
			return out, err
		}
		out.Call = marked
	}

	log.Info("callstatus: applied",
		zap.String("from", string(from)),
		zap.String("to", string(out.Call.Status)),
		zap.Bool("phone_invalid", out.PhoneInvalid))
	return out, nil
}

func (s *Service) markFollowUpDone(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.UpdateCall(ctx, id, func(c *domain.Call) error {
		if c.FollowUpDone {
			return repository.ErrNoChange
		}
		c.FollowUpDone = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("callstatus: mark follow-up done: %w", err)
	}
	return call, nil
}

func (s *Service) resolve(ctx context.Context, msg queue.StatusMessage) (*domain.Call, error) {
	if msg.CallID != uuid.Nil {
		call, err := s.calls.GetCall(ctx, msg.CallID)
		if err == nil || !errors.Is(err, repository.ErrNotFound) || msg.ProviderCallID == "" {
			return call, err
		}
	}
	if msg.ProviderCallID == "" {
		return nil, repository.ErrNotFound
	}
	return s.calls.FindByProviderCallID(ctx, msg.ProviderCallID)
}

// flagInvalidPhone alerts the payer and pauses the patient the first time a number is rejected.
// The alert goes out before the pause so a failed publish is retried on redelivery.
func (s *Service) flagInvalidPhone(ctx context.Context, call *domain.Call, log *zap.Logger) error {
	patient, err := s.patients.Get(ctx, call.PatientID)
	if err != nil {
		return fmt.Errorf("callstatus: load patient: %w", err)
	}
	if patient.PhoneStatus == domain.PhoneStatusInvalid {
		return nil
	}

	if err := s.notifier.PublishNotification(ctx, queue.NotificationMessage{
		Kind:      queue.NotificationInvalidPhone,
		CallID:    call.ID,
		PatientID: call.PatientID,
	}); err != nil {
		return fmt.Errorf("callstatus: publish invalid-phone alert: %w", err)
	}
	if err := s.patients.MarkPhoneInvalid(ctx, call.PatientID, PauseReasonInvalidPhone); err != nil {
		return fmt.Errorf("callstatus: mark phone invalid: %w", err)
	}
	log.Warn("callstatus: phone number rejected by carrier, patient paused")
	return nil
}

func occurredAt(msg queue.StatusMessage) time.Time {
	if msg.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return msg.OccurredAt
}
