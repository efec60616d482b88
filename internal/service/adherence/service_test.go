package adherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository/memory"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

func TestDailySummaryUsesLatestAnswerInChain(t *testing.T) {
	ctx := context.Background()
	calls := memory.NewCallStore()
	dir := memory.NewDirectory()
	patientID := uuid.New()
	dir.PutConfig(domain.CallConfiguration{PatientID: patientID, Timezone: "Asia/Kolkata", Active: true})

	glycomet, telma, ecosprin := uuid.New(), uuid.New(), uuid.New()
	glucose := 118.0

	// 08:30 IST on 4 March is 03:00 UTC
	morning := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)
	original := &domain.Call{
		ID: uuid.New(), PatientID: patientID, Timing: domain.TimingMorning, ScheduledAt: morning,
		Status: domain.CallStatusNoAnswer,
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: glycomet, MedicineName: "Glycomet", Response: domain.ResponsePending},
			{MedicineID: telma, MedicineName: "Telma", Response: domain.ResponsePending},
		},
	}
	retry := &domain.Call{
		ID: uuid.New(), PatientID: patientID, Timing: domain.TimingMorning, ScheduledAt: morning.Add(30 * time.Minute),
		Status: domain.CallStatusCompleted, IsRetry: true, RetryCount: 1,
		MoodNotes: "good",
		Vitals:    &domain.VitalsEntry{Glucose: &glucose},
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: glycomet, MedicineName: "Glycomet", Response: domain.ResponseTaken},
			{MedicineID: telma, MedicineName: "Telma", Response: domain.ResponseMissed},
		},
	}
	evening := &domain.Call{
		ID: uuid.New(), PatientID: patientID, Timing: domain.TimingEvening, ScheduledAt: morning.Add(10 * time.Hour),
		Status: domain.CallStatusInProgress,
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: ecosprin, MedicineName: "Ecosprin", IsCritical: true, Response: domain.ResponsePending},
		},
	}
	otherDay := &domain.Call{
		ID: uuid.New(), PatientID: patientID, Timing: domain.TimingMorning, ScheduledAt: morning.AddDate(0, 0, 1),
		Status:           domain.CallStatusCompleted,
		MedicinesChecked: []domain.MedicineCheckEntry{{MedicineID: glycomet, Response: domain.ResponseMissed}},
	}
	for _, c := range []*domain.Call{original, retry, evening, otherDay} {
		require.NoError(t, calls.CreateCall(ctx, c))
	}

	summary, err := NewService(calls, dir.Configs()).Daily(ctx, patientID, "2024-03-04")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Calls)
	assert.Equal(t, 1, summary.CompletedCalls)
	assert.Equal(t, 1, summary.Taken)
	assert.Equal(t, 1, summary.Missed)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 33.3, summary.AdherencePercent)
	assert.Equal(t, "good", summary.Mood)
	require.NotNil(t, summary.Vitals)
	assert.Len(t, summary.Medicines, 3)
	assert.True(t, summary.Medicines[2].IsCritical)
}

func TestDailySummaryEmptyDay(t *testing.T) {
	summary, err := NewService(memory.NewCallStore(), memory.NewDirectory().Configs()).Daily(context.Background(), uuid.New(), "2024-03-04")
	require.NoError(t, err)
	assert.Zero(t, summary.Calls)
	assert.Zero(t, summary.AdherencePercent)
	assert.Equal(t, "Asia/Kolkata", summary.Timezone)
	assert.NotNil(t, summary.Medicines)
}

func TestDailySummaryRejectsBadDate(t *testing.T) {
	_, err := NewService(memory.NewCallStore(), memory.NewDirectory().Configs()).Daily(context.Background(), uuid.New(), "04/03/2024")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}
