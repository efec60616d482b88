package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  CallStatus
		event CallEvent
		want  CallStatus
	}{
		{CallStatusScheduled, EventDispatchAccepted, CallStatusInProgress},
		{CallStatusScheduled, EventCancelled, CallStatusFailed},
		{CallStatusScheduled, EventPostCallCompleted, CallStatusCompleted},
		{CallStatusInProgress, EventPostCallCompleted, CallStatusCompleted},
		{CallStatusInProgress, EventNoAnswer, CallStatusNoAnswer},
		{CallStatusInProgress, EventBusy, CallStatusBusy},
		{CallStatusInProgress, EventFailed, CallStatusFailed},
		{CallStatusInProgress, EventDeclined, CallStatusDeclined},
		{CallStatusNoAnswer, EventRetriesExhausted, CallStatusFailed},
		{CallStatusBusy, EventRetriesExhausted, CallStatusFailed},
	}

	for _, tc := range cases {
		got, err := Transition(tc.from, tc.event)
		require.NoError(t, err, "%s on %s", tc.event, tc.from)
		assert.Equal(t, tc.want, got)
	}
}

func TestTransitionRejectsUnknownPairs(t *testing.T) {
	rejected := []struct {
		from  CallStatus
		event CallEvent
	}{
		{CallStatusCompleted, EventPostCallCompleted},
		{CallStatusCompleted, EventNoAnswer},
		{CallStatusNoAnswer, EventPostCallCompleted},
		{CallStatusNoAnswer, EventNoAnswer},
		{CallStatusDeclined, EventDispatchAccepted},
		{CallStatusScheduled, EventNoAnswer},
		{CallStatusFailed, EventCancelled},
		{CallStatusFailed, EventRetriesExhausted},
		{CallStatusDeclined, EventRetriesExhausted},
		{CallStatusInProgress, EventRetriesExhausted},
	}

	for _, tc := range rejected {
		got, err := Transition(tc.from, tc.event)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
		assert.Equal(t, tc.from, got, "status must not move on rejection")
	}
}

func TestApplyLeavesStatusOnRejection(t *testing.T) {
	call := &Call{Status: CallStatusCompleted}
	err := call.Apply(EventBusy)
	require.Error(t, err)
	assert.Equal(t, CallStatusCompleted, call.Status)
}

func TestEventForProviderStatus(t *testing.T) {
	ev, ok := EventForProviderStatus("no-answer")
	require.True(t, ok)
	assert.Equal(t, EventNoAnswer, ev)

	ev, ok = EventForProviderStatus("canceled")
	require.True(t, ok)
	assert.Equal(t, EventFailed, ev)

	ev, ok = EventForProviderStatus("something-new")
	require.True(t, ok)
	assert.Equal(t, EventFailed, ev)

	_, ok = EventForProviderStatus("completed")
	assert.False(t, ok, "completion is finalized by post-call ingestion")
}

func TestMedicineEntryNeverRevertsToPending(t *testing.T) {
	now := time.Now()
	entry := MedicineCheckEntry{Response: ResponsePending}

	assert.True(t, entry.Resolve(ResponseTaken, now))
	assert.False(t, entry.Resolve(ResponsePending, now))
	assert.False(t, entry.Resolve(ResponseMissed, now))
	assert.Equal(t, ResponseTaken, entry.Response)
}

func TestMarkAllMissedOnlyTouchesPending(t *testing.T) {
	call := &Call{MedicinesChecked: []MedicineCheckEntry{
		{MedicineName: "a", Response: ResponseTaken},
		{MedicineName: "b", Response: ResponsePending},
		{MedicineName: "c", Response: ResponsePending},
	}}

	changed := call.MarkAllMissed(time.Now())
	assert.Equal(t, 2, changed)
	assert.Equal(t, ResponseTaken, call.MedicinesChecked[0].Response)
	assert.Equal(t, ResponseMissed, call.MedicinesChecked[1].Response)
	assert.Zero(t, call.PendingMedicines())
}

func TestMarkPendingUnclearKeepsAnswers(t *testing.T) {
	call := &Call{MedicinesChecked: []MedicineCheckEntry{
		{MedicineName: "a", Response: ResponseTaken},
		{MedicineName: "b", Response: ResponsePending},
	}}

	assert.Equal(t, 1, call.MarkPendingUnclear(time.Now()))
	assert.Equal(t, ResponseTaken, call.MedicinesChecked[0].Response)
	assert.Equal(t, ResponseUnclear, call.MedicinesChecked[1].Response)
	assert.Zero(t, call.MarkPendingUnclear(time.Now()))
}

func TestDueTimingExactMinute(t *testing.T) {
	cfg := CallConfiguration{
		MorningCallTime: "08:30",
		EveningCallTime: "19:00",
		Timezone:        "Asia/Kolkata",
	}

	// 08:30 IST is 03:00 UTC.
	at := time.Date(2024, 3, 4, 3, 0, 15, 0, time.UTC)
	timing, ok, err := cfg.DueTiming(at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TimingMorning, timing)

	_, ok, err = cfg.DueTiming(at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	timing, ok, err = cfg.DueTiming(time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TimingEvening, timing)
}

func TestDueTimingFiresOnceAcrossFallBack(t *testing.T) {
	cfg := CallConfiguration{MorningCallTime: "01:30", Timezone: "America/New_York"}

	// 2024-11-03 shows 01:30 twice in New York: 05:30 UTC (EDT) and 06:30 UTC (EST).
	timing, ok, err := cfg.DueTiming(time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TimingMorning, timing)

	_, ok, err = cfg.DueTiming(time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok, "the repeated 01:30 is not a second slot")

	// the next day has a single 01:30 again
	_, ok, err = cfg.DueTiming(time.Date(2024, 11, 4, 6, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDueTimingInvalidZone(t *testing.T) {
	cfg := CallConfiguration{MorningCallTime: "08:30", Timezone: "Mars/Olympus"}
	_, _, err := cfg.DueTiming(time.Now())
	assert.Error(t, err)
}

func TestRetryPolicyAllows(t *testing.T) {
	p := RetryPolicy{RetryableStatuses: []CallStatus{CallStatusNoAnswer}}
	assert.True(t, p.Allows(CallStatusNoAnswer))
	assert.False(t, p.Allows(CallStatusBusy))

	assert.True(t, RetryPolicy{}.Allows(CallStatusBusy))
	assert.False(t, RetryPolicy{}.Allows(CallStatusFailed))
}
