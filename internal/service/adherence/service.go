package adherence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

const (
	dateLayout      = "2006-01-02"
	defaultTimezone = "Asia/Kolkata"
	pageSize        = 100
)

// MedicineStatus is the day's outcome for one medicine in one slot.
type MedicineStatus struct {
	MedicineID uuid.UUID               `json:"medicine_id"`
	Name       string                  `json:"name"`
	Timing     domain.Timing           `json:"timing"`
	IsCritical bool                    `json:"is_critical,omitempty"`
	Response   domain.MedicineResponse `json:"response"`
}

// DailySummary aggregates a patient's calls for one local calendar day.
type DailySummary struct {
	PatientID        uuid.UUID           `json:"patient_id"`
	Date             string              `json:"date"`
	Timezone         string              `json:"timezone"`
	Calls            int                 `json:"calls"`
	CompletedCalls   int                 `json:"completed_calls"`
	Taken            int                 `json:"taken"`
	Missed           int                 `json:"missed"`
	Unclear          int                 `json:"unclear"`
	Pending          int                 `json:"pending"`
	AdherencePercent float64             `json:"adherence_percent"`
	Medicines        []MedicineStatus    `json:"medicines"`
	Vitals           *domain.VitalsEntry `json:"vitals,omitempty"`
	Mood             string              `json:"mood,omitempty"`
}

// Service computes adherence summaries from call records.
type Service struct {
	calls   repository.CallStore
	configs repository.CallConfigStore
}

func NewService(calls repository.CallStore, configs repository.CallConfigStore) *Service {
	return &Service{calls: calls, configs: configs}
}

// Daily summarizes the given date (YYYY-MM-DD) in the patient's configured timezone.
// Within a retry chain the latest resolved answer for a medicine wins.
func (s *Service) Daily(ctx context.Context, patientID uuid.UUID, date string) (*DailySummary, error) {
	tz := defaultTimezone
	cfg, err := s.configs.FindByPatient(ctx, patientID)
	switch {
	case err == nil && cfg.Timezone != "":
		tz = cfg.Timezone
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("adherence: load configuration: %w", err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("adherence: timezone %q: %w", tz, err)
	}
	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", apperrors.ErrValidation)
	}

	calls, err := s.load(ctx, patientID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ScheduledAt.Before(calls[j].ScheduledAt) })

	summary := &DailySummary{PatientID: patientID, Date: date, Timezone: tz, Calls: len(calls), Medicines: []MedicineStatus{}}

	type key struct {
		timing domain.Timing
		id     uuid.UUID
	}
	index := map[key]int{}
	for _, c := range calls {
		if c.Status == domain.CallStatusCompleted {
			summary.CompletedCalls++
			if c.Vitals != nil {
				summary.Vitals = c.Vitals
			}
			if c.MoodNotes != "" {
				summary.Mood = c.MoodNotes
			}
		}
		for _, m := range c.MedicinesChecked {
			k := key{timing: c.Timing, id: m.MedicineID}
			i, seen := index[k]
			if !seen {
				index[k] = len(summary.Medicines)
				summary.Medicines = append(summary.Medicines, MedicineStatus{
					MedicineID: m.MedicineID,
					Name:       m.MedicineName,
					Timing:     c.Timing,
					IsCritical: m.IsCritical,
					Response:   m.Response,
				})
				continue
			}
			if m.Response != domain.ResponsePending {
				summary.Medicines[i].Response = m.Response
			}
		}
	}

	for _, m := range summary.Medicines {
		switch m.Response {
		case domain.ResponseTaken:
			summary.Taken++
		case domain.ResponseMissed:
			summary.Missed++
		case domain.ResponseUnclear:
			summary.Unclear++
		default:
			summary.Pending++
		}
	}
	if total := len(summary.Medicines); total > 0 {
		summary.AdherencePercent = math.Round(float64(summary.Taken)/float64(total)*1000) / 10
	}
	return summary, nil
}

func (s *Service) load(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]domain.Call, error) {
	var (
		out   []domain.Call
		token []byte
	)
	for {
		page, next, err := s.calls.ListByPatient(ctx, patientID, from.UTC(), to.UTC(), pageSize, token)
		if err != nil {
			return nil, fmt.Errorf("adherence: list calls: %w", err)
		}
		out = append(out, page...)
		if len(next) == 0 {
			return out, nil
		}
		token = next
	}
}
