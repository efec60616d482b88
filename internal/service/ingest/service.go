package ingest

import (
	"context"
	"encoding/json"
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
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

const (
	WarningNoCallID    = "no_call_id"
	WarningUnknownCall = "unknown_call"

	dedupeScope = "post-call"
)

// Deduper remembers webhook bodies that were already processed.
type Deduper interface {
	Seen(ctx context.Context, scope string, body []byte) (bool, error)
	Forget(ctx context.Context, scope string, body []byte) error
}

// NotificationPublisher enqueues payer notifications.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// Result is the acknowledgement returned to the provider.
type Result struct {
	Received           bool   `json:"received"`
	Warning            string `json:"warning,omitempty"`
	CallID             string `json:"call_id,omitempty"`
	ConversationID     string `json:"conversation_id,omitempty"`
	MedicinesProcessed int    `json:"medicines_processed"`
	Duplicate          bool   `json:"duplicate,omitempty"`
}

// Service folds post-call webhooks into call records.
type Service struct {
	calls    repository.CallStore
	patients repository.PatientStore
	notifier NotificationPublisher
	dedupe   Deduper
	metrics  *metrics.PipelineMetrics
	logger   *logger.Logger
	provider string
	now      func() time.Time
}

// NewService wires ingestion. dedupe may be nil. provider prefixes transcript references.
func NewService(
	calls repository.CallStore,
	patients repository.PatientStore,
	notifier NotificationPublisher,
	dedupe Deduper,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
	provider string,
) *Service {
	if provider == "" {
		provider = "elevenlabs"
	}
	return &Service{
		calls:    calls,
		patients: patients,
		notifier: notifier,
		dedupe:   dedupe,
		metrics:  m,
		logger:   log.Named("ingest"),
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandlePostCall processes one raw webhook body. Errors are returned only for malformed
// bodies and for store failures the provider should redeliver on.
func (s *Service) HandlePostCall(ctx context.Context, body []byte) (Result, error) {
	tracer := otel.Tracer("adherence.ingest")
	ctx, span := tracer.Start(ctx, "ingest.post_call", trace.WithAttributes(attribute.Int("body.bytes", len(body))))
	defer span.End()

	log := s.logger.WithContext(ctx)

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		s.metrics.ObserveWebhook("post_call", "malformed")
		return Result{}, fmt.Errorf("%w: post-call body is not a JSON object", apperrors.ErrValidation)
	}

	if s.dedupe != nil {
		seen, err := s.dedupe.Seen(ctx, dedupeScope, body)
		if err != nil {
			log.Warn("ingest: dedupe lookup failed, processing anyway", zap.Error(err))
		} else if seen {
			s.metrics.ObserveWebhook("post_call", "duplicate")
			return Result{Received: true, Duplicate: true}, nil
		}
	}

	result, err := s.apply(ctx, Extract(raw))
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveWebhook("post_call", "error")
		if s.dedupe != nil {
			if ferr := s.dedupe.Forget(ctx, dedupeScope, body); ferr != nil {
				log.Warn("ingest: forget dedupe key", zap.Error(ferr))
			}
		}
		return Result{}, err
	}

	outcome := "processed"
	if result.Warning != "" {
		outcome = result.Warning
	}
	s.metrics.ObserveWebhook("post_call", outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	return result, nil
}

func (s *Service) apply(ctx context.Context, p Payload) (Result, error) {
	log := s.logger.WithContext(ctx).With(zap.String("conversation_id", p.ConversationID))
	result := Result{Received: true, ConversationID: p.ConversationID, CallID: p.CallID}

	if p.CallID == "" {
		log.Warn("ingest: post-call webhook without call id")
		result.Warning = WarningNoCallID
		return result, nil
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		log.Warn("ingest: call id is not a uuid", zap.String("call_id", p.CallID))
		result.Warning = WarningUnknownCall
		return result, nil
	}
	log = log.With(zap.String("call_id", callID.String()))

	if _, err := s.calls.GetCall(ctx, callID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("ingest: unknown call")
			result.Warning = WarningUnknownCall
			return result, nil
		}
		return Result{}, fmt.Errorf("ingest: load call: %w: %w", apperrors.ErrUnavailable, err)
	}

	answers := medicineAnswers(p.Data)
	now := s.now()

	var (
		completed bool
		matched   int
		from      domain.CallStatus
		rejected  error
	)
	updated, err := s.calls.UpdateCall(ctx, callID, func(c *domain.Call) error {
		completed, rejected = false, nil
		from = c.Status

		var changed int
		matched, changed = applyAnswers(c.MedicinesChecked, answers, now)

		if c.Status == domain.CallStatusCompleted {
			if changed == 0 {
				return repository.ErrNoChange
			}
			return nil
		}
		if rejected = c.Apply(domain.EventPostCallCompleted); rejected != nil {
			if changed == 0 {
				return repository.ErrNoChange
			}
			return nil
		}

		completed = true
		s.finalize(c, p, now)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest: update call: %w: %w", apperrors.ErrUnavailable, err)
	}
	result.MedicinesProcessed = matched

	if rejected != nil {
		log.Warn("ingest: transition rejected", zap.Error(rejected),
			zap.String("from", string(from)), zap.String("event", string(domain.EventPostCallCompleted)))
		s.metrics.ObserveRejectedTransition(string(from), string(domain.EventPostCallCompleted))
	}
	if completed {
		log.Info("ingest: call completed",
			zap.Int("medicines", matched),
			zap.String("mood", updated.MoodNotes),
			zap.String("vitals_checked", string(updated.VitalsChecked)),
			zap.Int("complaints", len(updated.Complaints)))
	} else {
		log.Debug("ingest: redelivery merged", zap.Int("medicines", matched))
	}

	// A completed record without follow-up means an earlier delivery stopped halfway.
	if updated.Status == domain.CallStatusCompleted && !updated.FollowUpDone {
		if err := s.afterCompletion(ctx, updated); err != nil {
			return Result{}, fmt.Errorf("ingest: %w: %w", apperrors.ErrUnavailable, err)
		}
	}
	return result, nil
}

// finalize stamps the completion fields. Runs inside the compare-and-set mutation.
func (s *Service) finalize(c *domain.Call, p Payload, now time.Time) {
	ended := now
	c.EndedAt = &ended
	if p.DurationSecs > 0 {
		c.DurationSecs = p.DurationSecs
	}
	c.MoodNotes = string(NormalizeMood(p.Data["mood"]))
	if complaints := NormalizeComplaints(p.Data["complaints"]); len(complaints) > 0 {
		c.Complaints = complaints
	}
	c.VitalsChecked = NormalizeVitals(p.Data["vitals_checked"])
	if c.VitalsChecked == domain.VitalsYes {
		c.Vitals = vitalsFrom(p.Data, now)
	}
	if p.ConversationID != "" {
		c.TranscriptRef = fmt.Sprintf("%s:conversation:%s", s.provider, p.ConversationID)
		if c.ProviderConversationID == "" {
			c.ProviderConversationID = p.ConversationID
		}
	}
	if len(p.Transcript) > 0 {
		c.Transcript = p.Transcript
	}
	c.MarkPendingUnclear(now)
	c.LastError = nil
}

// afterCompletion bumps the patient counters, sends the payer report and then marks the
// record followed up. Counters are keyed on EndedAt so a repeat after a partial failure
// does not count the call twice; the report may go out twice.
func (s *Service) afterCompletion(ctx context.Context, call *domain.Call) error {
	at := s.now()
	if call.EndedAt != nil {
		at = *call.EndedAt
	}
	if err := s.patients.RecordCompletedCall(ctx, call.PatientID, at); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("record completed call on patient: %w", err)
	}
	if err := s.notifier.PublishNotification(ctx, queue.NotificationMessage{
		Kind:       queue.NotificationPostCallReport,
		CallID:     call.ID,
		PatientID:  call.PatientID,
		OccurredAt: at,
	}); err != nil {
		return fmt.Errorf("publish post-call report: %w", err)
	}
	if _, err := s.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		if c.FollowUpDone {
			return repository.ErrNoChange
		}
		c.FollowUpDone = true
		return nil
	}); err != nil {
		return fmt.Errorf("mark follow-up done: %w", err)
	}
	return nil
}
