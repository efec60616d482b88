package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/internal/service/orchestrator"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Processor dispatches a tick's worklist.
type Processor interface {
	ProcessDue(ctx context.Context, due []orchestrator.DueCall) orchestrator.Summary
}

// TickLock lets exactly one replica own each minute.
type TickLock interface {
	Claim(ctx context.Context, at time.Time, owner string) (bool, error)
}

// Scheduler evaluates every active call configuration once per minute in the patient's local time.
type Scheduler struct {
	configs    repository.CallConfigStore
	patients   repository.PatientStore
	processor  Processor
	lock       TickLock
	metrics    *metrics.PipelineMetrics
	logger     *logger.Logger
	owner      string
	now        func() time.Time
	lastMinute time.Time
}

// New constructs a scheduler. lock may be nil for single-replica deployments.
func New(
	configs repository.CallConfigStore,
	patients repository.PatientStore,
	processor Processor,
	lock TickLock,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		configs:   configs,
		patients:  patients,
		processor: processor,
		lock:      lock,
		metrics:   m,
		logger:    log.Named("scheduler"),
		owner:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks at the start of every minute until cancelled. Ticks run sequentially and never overlap.
// Minutes lost to a slow tick or a paused process are counted, not replayed.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		minute := s.now().Truncate(time.Minute)
		if _, err := s.Tick(ctx, minute); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick failed", zap.Error(err), zap.Time("minute", minute))
		}

		wait := time.Until(s.now().Truncate(time.Minute).Add(time.Minute))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick builds the worklist for the minute containing at and hands it to the processor.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) (orchestrator.Summary, error) {
	minute := at.UTC().Truncate(time.Minute)
	if !s.lastMinute.IsZero() {
		if !minute.After(s.lastMinute) {
			return orchestrator.Summary{}, nil
		}
		if gap := int(minute.Sub(s.lastMinute)/time.Minute) - 1; gap > 0 {
			s.logger.Warn("scheduler: minutes skipped", zap.Int("missed", gap), zap.Time("last", s.lastMinute))
			s.metrics.AddMissedMinutes(gap)
		}
	}
	s.lastMinute = minute

	tracer := otel.Tracer("adherence.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("minute", minute.Format(time.RFC3339)),
	))
	defer span.End()
	log := s.logger.WithContext(ctx)

	if s.lock != nil {
		claimed, err := s.lock.Claim(ctx, minute, s.owner)
		if err != nil {
			span.RecordError(err)
			s.metrics.ObserveTick("lock_error")
			return orchestrator.Summary{}, fmt.Errorf("scheduler: claim minute: %w", err)
		}
		if !claimed {
			log.Debug("scheduler: minute owned by another replica")
			s.metrics.ObserveTick("not_owner")
			return orchestrator.Summary{}, nil
		}
	}

	due, err := s.Worklist(ctx, minute)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveTick("error")
		return orchestrator.Summary{}, err
	}
	span.SetAttributes(attribute.Int("due", len(due)))
	if len(due) == 0 {
		s.metrics.ObserveTick("idle")
		return orchestrator.Summary{}, nil
	}

	log.Info("scheduler: dispatching due calls", zap.Int("due", len(due)))
	summary := s.processor.ProcessDue(ctx, due)
	s.metrics.ObserveTick("dispatched")
	log.Info("scheduler: tick finished",
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// Worklist lists the patients due at the given minute. Bad configurations and failed
// patient lookups are logged and left out.
func (s *Scheduler) Worklist(ctx context.Context, at time.Time) ([]orchestrator.DueCall, error) {
	configs, err := s.configs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list active configurations: %w", err)
	}

	log := s.logger.WithContext(ctx)
	var due []orchestrator.DueCall
	for _, cfg := range configs {
		timing, ok, err := cfg.DueTiming(at)
		if err != nil {
			log.Warn("scheduler: skipping configuration", zap.Error(err), zap.String("patient_id", cfg.PatientID.String()))
			continue
		}
		if !ok {
			continue
		}

		patient, err := s.patients.Get(ctx, cfg.PatientID)
		if err != nil {
			log.Error("scheduler: load patient", zap.Error(err), zap.String("patient_id", cfg.PatientID.String()))
			continue
		}
		if !patient.Callable() {
			log.Debug("scheduler: patient not callable",
				zap.String("patient_id", patient.ID.String()),
				zap.Bool("paused", patient.IsPaused),
				zap.String("phone_status", string(patient.PhoneStatus)))
			continue
		}

		due = append(due, orchestrator.DueCall{Config: cfg, Patient: *patient, Timing: timing})
		s.metrics.ObserveDue(string(timing))
	}
	return due, nil
}
