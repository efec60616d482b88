package callstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository/memory"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

type fakeRetries struct {
	handled []uuid.UUID
	fails   int
}

func (f *fakeRetries) HandleUnanswered(ctx context.Context, call *domain.Call) (*domain.Call, error) {
	f.handled = append(f.handled, call.ID)
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("scylla: timeout during write")
	}
	return &domain.Call{ID: uuid.New(), IsRetry: true}, nil
}

type recordingNotifier struct {
	sent  []queue.NotificationMessage
	fails int
}

func (n *recordingNotifier) PublishNotification(ctx context.Context, msg queue.NotificationMessage) error {
	if n.fails > 0 {
		n.fails--
		return errors.New("kafka: leader not available")
	}
	n.sent = append(n.sent, msg)
	return nil
}

type fixture struct {
	calls    *memory.CallStore
	dir      *memory.Directory
	retries  *fakeRetries
	notifier *recordingNotifier
	svc      *Service
	patient  domain.Patient
	call     *domain.Call
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		calls:    memory.NewCallStore(),
		dir:      memory.NewDirectory(),
		retries:  &fakeRetries{},
		notifier: &recordingNotifier{},
	}
	f.patient = domain.Patient{ID: uuid.New(), PayerID: uuid.New(), Phone: "+910000000000", PhoneStatus: domain.PhoneStatusValid}
	f.dir.PutPatient(f.patient)
	f.svc = NewService(f.calls, f.dir.Patients(), f.retries, f.notifier, nil, logger.Nop(), []string{"21217"})

	f.call = &domain.Call{
		ID:             uuid.New(),
		PatientID:      f.patient.ID,
		Timing:         domain.TimingEvening,
		ScheduledAt:    time.Now().UTC(),
		Status:         domain.CallStatusInProgress,
		ProviderCallID: "CA123",
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: uuid.New(), MedicineName: "Telma", Response: domain.ResponsePending},
		},
	}
	require.NoError(t, f.calls.CreateCall(context.Background(), f.call))
	return f
}

func TestNoAnswerTransitionsAndTriggersRetry(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{CallID: f.call.ID, Status: "no-answer", DurationSecs: 0})
	require.NoError(t, err)
	assert.True(t, out.Transitioned)
	assert.Equal(t, domain.CallStatusNoAnswer, out.Call.Status)
	assert.NotNil(t, out.Call.EndedAt)
	require.NotNil(t, out.Retry)
	assert.Equal(t, []uuid.UUID{f.call.ID}, f.retries.handled)

	// a repeated callback neither moves the record nor schedules a second retry
	out, err = f.svc.Apply(context.Background(), queue.StatusMessage{CallID: f.call.ID, Status: "no-answer"})
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Len(t, f.retries.handled, 1)
	assert.True(t, out.Call.FollowUpDone)
}

func TestRedeliveryResumesInterruptedRetryHandling(t *testing.T) {
	f := newFixture(t)
	f.retries.fails = 1
	msg := queue.StatusMessage{CallID: f.call.ID, Status: "no-answer"}

	_, err := f.svc.Apply(context.Background(), msg)
	require.Error(t, err)

	stored, err := f.calls.GetCall(context.Background(), f.call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusNoAnswer, stored.Status)
	assert.False(t, stored.FollowUpDone)

	out, err := f.svc.Apply(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	require.NotNil(t, out.Retry, "the redelivery still schedules the retry")
	assert.True(t, out.Call.FollowUpDone)
	assert.Len(t, f.retries.handled, 2)

	_, err = f.svc.Apply(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, f.retries.handled, 2)
}

func TestInvalidPhoneAlertSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.fails = 1
	msg := queue.StatusMessage{CallID: f.call.ID, Status: "failed", ErrorCode: "21217"}

	_, err := f.svc.Apply(context.Background(), msg)
	require.Error(t, err)
	patient, err := f.dir.Patients().Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhoneStatusValid, patient.PhoneStatus, "patient is paused only after the alert is out")

	out, err := f.svc.Apply(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.PhoneInvalid)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, queue.NotificationInvalidPhone, f.notifier.sent[0].Kind)
}

func TestCorrelatesByProviderCallID(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{ProviderCallID: "CA123", Status: "busy", DurationSecs: 3})
	require.NoError(t, err)
	assert.Equal(t, f.call.ID, out.Call.ID)
	assert.Equal(t, domain.CallStatusBusy, out.Call.Status)
	assert.Equal(t, 3, out.Call.DurationSecs)
}

func TestInvalidNumberPausesPatient(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{CallID: f.call.ID, Status: "failed", ErrorCode: "21217"})
	require.NoError(t, err)
	assert.True(t, out.PhoneInvalid)
	assert.Equal(t, domain.CallStatusFailed, out.Call.Status)
	require.NotNil(t, out.Call.LastError)
	assert.Contains(t, *out.Call.LastError, "21217")
	assert.Empty(t, f.retries.handled)

	patient, err := f.dir.Patients().Get(context.Background(), f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhoneStatusInvalid, patient.PhoneStatus)
	assert.True(t, patient.IsPaused)
	assert.Equal(t, PauseReasonInvalidPhone, patient.PauseReason)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, queue.NotificationInvalidPhone, f.notifier.sent[0].Kind)
}

func TestCompletedStatusOnlyStoresMetadata(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{
		CallID:       f.call.ID,
		Status:       "completed",
		DurationSecs: 88,
		RecordingURL: "https://rec.example/1.mp3",
	})
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, domain.CallStatusInProgress, out.Call.Status, "completion comes from post-call ingestion")
	assert.Equal(t, 88, out.Call.DurationSecs)
	assert.Equal(t, "https://rec.example/1.mp3", out.Call.RecordingURL)
}

func TestLateStatusOnCompletedCallIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.calls.UpdateCall(context.Background(), f.call.ID, func(c *domain.Call) error {
		return c.Apply(domain.EventPostCallCompleted)
	})
	require.NoError(t, err)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{CallID: f.call.ID, Status: "busy"})
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, domain.CallStatusCompleted, out.Call.Status)
	assert.Empty(t, f.retries.handled)
}

func TestUnknownCallIsDropped(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{CallID: uuid.New(), Status: "busy"})
	require.NoError(t, err)
	assert.Nil(t, out.Call)
}

func TestAnsweredStampsAnsweredAt(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 4, 3, 0, 5, 0, time.UTC)

	out, err := f.svc.Apply(context.Background(), queue.StatusMessage{CallID: f.call.ID, Status: "in-progress", OccurredAt: at})
	require.NoError(t, err)
	require.NotNil(t, out.Call.AnsweredAt)
	assert.Equal(t, at, *out.Call.AnsweredAt)
	assert.Equal(t, domain.CallStatusInProgress, out.Call.Status)
}
