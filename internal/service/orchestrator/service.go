package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/internal/telephony"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

const defaultConcurrency = 50

// DueCall is one worklist entry produced by the scheduler.
type DueCall struct {
	Config  domain.CallConfiguration
	Patient domain.Patient
	Timing  domain.Timing
}

// SlotLimiter hands out cluster-wide dispatch slots.
type SlotLimiter interface {
	Wait(ctx context.Context) (func(context.Context) error, error)
}

// Summary counts the outcomes of one run.
type Summary struct {
	Dispatched int
	Failed     int
	Skipped    int
}

// Options tunes batching.
type Options struct {
	Concurrency     int
	DispatchTimeout time.Duration
}

// Service turns due entries into call records and provider dispatches.
type Service struct {
	calls     repository.CallStore
	medicines repository.MedicineStore
	patients  repository.PatientStore
	gateway   telephony.Gateway
	limiter   SlotLimiter
	metrics   *metrics.PipelineMetrics
	logger    *logger.Logger
	opts      Options
	now       func() time.Time
}

// NewService builds the orchestrator. limiter may be nil.
func NewService(
	calls repository.CallStore,
	medicines repository.MedicineStore,
	patients repository.PatientStore,
	gateway telephony.Gateway,
	limiter SlotLimiter,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
	opts Options,
) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 15 * time.Second
	}
	return &Service{
		calls:     calls,
		medicines: medicines,
		patients:  patients,
		gateway:   gateway,
		limiter:   limiter,
		metrics:   m,
		logger:    log.Named("orchestrator"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type outcome int

const (
	outcomeDispatched outcome = iota
	outcomeFailed
	outcomeSkipped
)

// ProcessDue creates and dispatches a call for every entry, in batches of at most Concurrency.
func (s *Service) ProcessDue(ctx context.Context, due []DueCall) Summary {
	return s.runBatches(ctx, "orchestrator.process_due", len(due), func(ctx context.Context, i int) outcome {
		return s.initiate(ctx, due[i])
	})
}

// DispatchExisting dispatches calls that already have a record, such as promoted retries.
func (s *Service) DispatchExisting(ctx context.Context, calls []domain.Call) Summary {
	return s.runBatches(ctx, "orchestrator.dispatch_existing", len(calls), func(ctx context.Context, i int) outcome {
		call := calls[i]
		patient, err := s.patients.Get(ctx, call.PatientID)
		if err != nil {
			s.logger.WithContext(ctx).Error("orchestrator: load patient", zap.Error(err),
				zap.String("call_id", call.ID.String()), zap.String("patient_id", call.PatientID.String()))
			return outcomeFailed
		}
		return s.dispatch(ctx, &call, patient)
	})
}

// runBatches runs fn for indices [0, n) in batches. A batch fully settles before the next starts.
func (s *Service) runBatches(ctx context.Context, spanName string, n int, fn func(context.Context, int) outcome) Summary {
	var summary Summary
	if n == 0 {
		return summary
	}

	tracer := otel.Tracer("adherence.orchestrator")
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.Int("calls", n),
		attribute.Int("concurrency", s.opts.Concurrency),
	))
	defer span.End()

	var dispatched, failed, skipped int64
	for start := 0; start < n; start += s.opts.Concurrency {
		end := start + s.opts.Concurrency
		if end > n {
			end = n
		}
		if ctx.Err() != nil {
			failed += int64(n - start)
			break
		}

		bctx, bspan := tracer.Start(ctx, "orchestrator.batch", trace.WithAttributes(
			attribute.Int("batch.start", start),
			attribute.Int("batch.size", end-start),
		))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				switch fn(bctx, i) {
				case outcomeDispatched:
					atomic.AddInt64(&dispatched, 1)
				case outcomeFailed:
					atomic.AddInt64(&failed, 1)
				default:
					atomic.AddInt64(&skipped, 1)
				}
			}(i)
		}
		wg.Wait()
		bspan.End()
	}

	summary = Summary{Dispatched: int(dispatched), Failed: int(failed), Skipped: int(skipped)}
	span.SetAttributes(
		attribute.Int("dispatched", summary.Dispatched),
		attribute.Int("failed", summary.Failed),
		attribute.Int("skipped", summary.Skipped),
	)
	return summary
}

func (s *Service) initiate(ctx context.Context, due DueCall) outcome {
	log := s.logger.WithContext(ctx).With(
		zap.String("patient_id", due.Patient.ID.String()),
		zap.String("timing", string(due.Timing)),
	)

	meds, err := s.medicines.ListDue(ctx, due.Patient.ID, due.Timing)
	if err != nil {
		log.Error("orchestrator: list medicines", zap.Error(err))
		s.metrics.ObserveDispatch("error", 0)
		return outcomeFailed
	}
	if len(meds) == 0 {
		log.Debug("orchestrator: no medicines due, skipping")
		s.metrics.ObserveDispatch("skipped", 0)
		return outcomeSkipped
	}

	now := s.now()
	entries := make([]domain.MedicineCheckEntry, 0, len(meds))
	for _, m := range meds {
		entries = append(entries, m.CheckEntry(now))
	}

	call := &domain.Call{
		ID:                     uuid.New(),
		PatientID:              due.Patient.ID,
		PayerID:                due.Patient.PayerID,
		Timing:                 due.Timing,
		ScheduledAt:            now,
		Status:                 domain.CallStatusScheduled,
		MedicinesChecked:       entries,
		VitalsChecked:          domain.VitalsNotAsked,
		IsFirstCall:            due.Patient.CallsCompletedCount == 0,
		UsedNewPatientProtocol: due.Patient.IsNewPatient,
	}
	if err := s.calls.CreateCall(ctx, call); err != nil {
		log.Error("orchestrator: create call", zap.Error(err))
		s.metrics.ObserveDispatch("error", 0)
		return outcomeFailed
	}

	patient := due.Patient
	return s.dispatch(ctx, call, &patient)
}

// dispatch claims the record, calls the gateway once for it and stores the result.
func (s *Service) dispatch(ctx context.Context, call *domain.Call, patient *domain.Patient) outcome {
	log := s.logger.WithContext(ctx).With(
		zap.String("call_id", call.ID.String()),
		zap.String("patient_id", patient.ID.String()),
	)

	claimed, err := s.claim(ctx, call.ID)
	if err != nil {
		log.Error("orchestrator: claim call", zap.Error(err))
		s.metrics.ObserveDispatch("store_error", 0)
		return outcomeFailed
	}
	if !claimed {
		log.Info("orchestrator: call already dispatched elsewhere, skipping")
		s.metrics.ObserveDispatch("already_claimed", 0)
		return outcomeSkipped
	}

	if s.limiter != nil {
		release, err := s.limiter.Wait(ctx)
		if err != nil {
			log.Error("orchestrator: acquire dispatch slot", zap.Error(err))
			s.recordFailure(ctx, call.ID, fmt.Errorf("acquire dispatch slot: %w", err))
			return outcomeFailed
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				log.Warn("orchestrator: release slot", zap.Error(err))
			}
		}()
	}

	done := s.metrics.TrackInFlight()
	dctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	started := time.Now()
	result, err := s.gateway.StartCall(dctx, startCallRequest(call, patient))
	elapsed := time.Since(started)
	cancel()
	done()

	if err != nil {
		log.Error("orchestrator: dispatch rejected", zap.Error(err))
		s.metrics.ObserveDispatch("rejected", elapsed)
		s.recordFailure(ctx, call.ID, err)
		return outcomeFailed
	}

	var (
		rejected error
		from     domain.CallStatus
	)
	initiatedAt := s.now()
	_, err = s.calls.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		from = c.Status
		rejected = c.Apply(domain.EventDispatchAccepted)
		if c.ProviderCallID == "" {
			c.ProviderCallID = result.ProviderCallID
		}
		if c.ProviderConversationID == "" {
			c.ProviderConversationID = result.ConversationID
		}
		if c.InitiatedAt == nil {
			c.InitiatedAt = &initiatedAt
		}
		c.LastError = nil
		return nil
	})
	if err != nil {
		log.Error("orchestrator: record dispatch", zap.Error(err))
		s.metrics.ObserveDispatch("store_error", elapsed)
		return outcomeFailed
	}
	if rejected != nil {
		log.Warn("orchestrator: transition rejected", zap.Error(rejected),
			zap.String("from", string(from)), zap.String("event", string(domain.EventDispatchAccepted)))
		s.metrics.ObserveRejectedTransition(string(from), string(domain.EventDispatchAccepted))
	}

	s.metrics.ObserveDispatch("accepted", elapsed)
	log.Info("orchestrator: call dispatched",
		zap.String("conversation_id", result.ConversationID),
		zap.String("provider_call_id", result.ProviderCallID))
	return outcomeDispatched
}

// claim stamps InitiatedAt on a scheduled record through the store's compare-and-set.
// Only the caller that stamps it may place the call.
func (s *Service) claim(ctx context.Context, id uuid.UUID) (bool, error) {
	at := s.now()
	var claimed bool
	_, err := s.calls.UpdateCall(ctx, id, func(c *domain.Call) error {
		claimed = false
		if c.Status != domain.CallStatusScheduled || c.InitiatedAt != nil {
			return repository.ErrNoChange
		}
		c.InitiatedAt = &at
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// recordFailure leaves the record scheduled with the error attached and releases the claim.
func (s *Service) recordFailure(ctx context.Context, id uuid.UUID, cause error) {
	msg := cause.Error()
	_, err := s.calls.UpdateCall(ctx, id, func(c *domain.Call) error {
		if c.Status != domain.CallStatusScheduled {
			return repository.ErrNoChange
		}
		c.LastError = &msg
		c.InitiatedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.WithContext(ctx).Warn("orchestrator: record failure", zap.Error(err), zap.String("call_id", id.String()))
	}
}

func startCallRequest(call *domain.Call, patient *domain.Patient) telephony.StartCallRequest {
	meds := make([]telephony.Medicine, 0, len(call.MedicinesChecked))
	for _, m := range call.MedicinesChecked {
		meds = append(meds, telephony.Medicine{
			Name:       m.SpokenName(),
			Timing:     string(call.Timing),
			MedicineID: m.MedicineID,
		})
	}
	name := patient.PreferredName
	if name == "" {
		name = patient.FullName
	}
	return telephony.StartCallRequest{
		Phone:         patient.Phone,
		CallID:        call.ID,
		PatientName:   name,
		Medicines:     meds,
		Language:      patient.Language(),
		HasGlucometer: patient.HasGlucometer,
		HasBPMonitor:  patient.HasBPMonitor,
		IsNewPatient:  patient.IsNewPatient,
	}
}
