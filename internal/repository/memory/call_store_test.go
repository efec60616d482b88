package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

func TestUpdateCallBumpsVersionAndHonoursNoChange(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()
	call := &domain.Call{ID: uuid.New(), PatientID: uuid.New(), Status: domain.CallStatusScheduled}
	require.NoError(t, store.CreateCall(ctx, call))

	updated, err := store.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		return c.Apply(domain.EventDispatchAccepted)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, domain.CallStatusInProgress, updated.Status)

	same, err := store.UpdateCall(ctx, call.ID, func(c *domain.Call) error {
		c.Status = domain.CallStatusFailed
		return repository.ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, same.Status)
	assert.Equal(t, 1, store.Updates())

	_, err = store.UpdateCall(ctx, call.ID, func(c *domain.Call) error { return errors.New("nope") })
	assert.Error(t, err)
}

func TestCreateCallRejectsDuplicates(t *testing.T) {
	store := NewCallStore()
	call := &domain.Call{ID: uuid.New()}
	require.NoError(t, store.CreateCall(context.Background(), call))
	assert.ErrorIs(t, store.CreateCall(context.Background(), call), repository.ErrConflict)
}

func TestListByPatientPages(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()
	patientID := uuid.New()
	base := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateCall(ctx, &domain.Call{ID: uuid.New(), PatientID: patientID, ScheduledAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	page, token, err := store.ListByPatient(ctx, patientID, time.Time{}, time.Time{}, 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].ScheduledAt.After(page[1].ScheduledAt))
	require.NotNil(t, token)

	rest, token, err := store.ListByPatient(ctx, patientID, time.Time{}, time.Time{}, 10, token)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Nil(t, token)
}

func TestDueRetriesIndex(t *testing.T) {
	store := NewCallStore()
	ctx := context.Background()
	now := time.Now().UTC()
	due := &domain.Call{ID: uuid.New(), IsRetry: true, Status: domain.CallStatusScheduled, ScheduledAt: now.Add(-time.Minute)}
	later := &domain.Call{ID: uuid.New(), IsRetry: true, Status: domain.CallStatusScheduled, ScheduledAt: now.Add(time.Hour)}
	require.NoError(t, store.CreateCall(ctx, due))
	require.NoError(t, store.CreateCall(ctx, later))

	calls, err := store.ListDueRetries(ctx, now, time.Hour)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, due.ID, calls[0].ID)

	require.NoError(t, store.RemoveDueRetry(ctx, due))
	calls, err = store.ListDueRetries(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestRecordCompletedCallCountsEachCompletionOnce(t *testing.T) {
	dir := NewDirectory()
	id := uuid.New()
	dir.PutPatient(domain.Patient{ID: id})
	at := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

	patients := dir.Patients()
	require.NoError(t, patients.RecordCompletedCall(context.Background(), id, at))
	require.NoError(t, patients.RecordCompletedCall(context.Background(), id, at))
	require.NoError(t, patients.RecordCompletedCall(context.Background(), id, at.Add(12*time.Hour)))

	p, err := patients.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CallsCompletedCount)
	assert.True(t, p.FirstCallAt.Equal(at))
}
