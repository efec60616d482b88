package domain

import (
	"fmt"

	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

// CallEvent is something that happened to a call and may move its status.
type CallEvent string

const (
	EventDispatchAccepted  CallEvent = "dispatch_accepted"
	EventAnswered          CallEvent = "answered"
	EventPostCallCompleted CallEvent = "post_call_completed"
	EventNoAnswer          CallEvent = "no_answer"
	EventBusy              CallEvent = "busy"
	EventFailed            CallEvent = "failed"
	EventDeclined          CallEvent = "declined"
	EventCancelled         CallEvent = "cancelled"
	EventRetriesExhausted  CallEvent = "retries_exhausted"
)

type transitionKey struct {
	from  CallStatus
	event CallEvent
}

// transitions is the complete lifecycle table. Anything absent is rejected.
var transitions = map[transitionKey]CallStatus{
	{CallStatusScheduled, EventDispatchAccepted}: CallStatusInProgress,
	{CallStatusScheduled, EventCancelled}:        CallStatusFailed,
	{CallStatusScheduled, EventFailed}:           CallStatusFailed,
	// the provider can finish a call before we persist the dispatch acceptance
	{CallStatusScheduled, EventPostCallCompleted}: CallStatusCompleted,

	{CallStatusInProgress, EventAnswered}:          CallStatusInProgress,
	{CallStatusInProgress, EventPostCallCompleted}: CallStatusCompleted,
	{CallStatusInProgress, EventNoAnswer}:          CallStatusNoAnswer,
	{CallStatusInProgress, EventBusy}:              CallStatusBusy,
	{CallStatusInProgress, EventFailed}:            CallStatusFailed,
	{CallStatusInProgress, EventDeclined}:          CallStatusDeclined,

	{CallStatusNoAnswer, EventRetriesExhausted}: CallStatusFailed,
	{CallStatusBusy, EventRetriesExhausted}:     CallStatusFailed,
}

// Transition resolves the status reached from `from` on `event`.
func Transition(from CallStatus, event CallEvent) (CallStatus, error) {
	to, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidTransition, event, from)
	}
	return to, nil
}

// Apply moves the call to the next status for the event.
func (c *Call) Apply(event CallEvent) error {
	to, err := Transition(c.Status, event)
	if err != nil {
		return err
	}
	c.Status = to
	return nil
}

// IsTerminal reports whether no further provider callback is expected for the status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusNoAnswer, CallStatusBusy, CallStatusFailed, CallStatusDeclined:
		return true
	}
	return false
}

// Unanswered reports whether the status is a non-answer outcome eligible for retry.
func (s CallStatus) Unanswered() bool {
	return s == CallStatusNoAnswer || s == CallStatusBusy
}

// EventForProviderStatus maps a telephony outcome code to a lifecycle event.
// Codes follow the Twilio/Exotel vocabulary; unknown codes count as failures.
func EventForProviderStatus(code string) (CallEvent, bool) {
	switch code {
	case "completed":
		return "", false
	case "in-progress", "in_progress", "answered":
		return EventAnswered, true
	case "no-answer", "no_answer":
		return EventNoAnswer, true
	case "busy":
		return EventBusy, true
	case "declined", "rejected":
		return EventDeclined, true
	case "failed", "canceled", "cancelled":
		return EventFailed, true
	case "queued", "initiated", "ringing":
		return "", false
	default:
		return EventFailed, true
	}
}
