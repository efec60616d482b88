package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatusMessage is a telephony outcome callback waiting to be applied to a call.
// CallID is uuid.Nil when the callback only carried the provider call id.
type StatusMessage struct {
	CallID         uuid.UUID `json:"call_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Status         string    `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	DurationSecs   int       `json:"duration_secs,omitempty"`
	RecordingURL   string    `json:"recording_url,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NotificationKind names a payer notification template.
type NotificationKind string

const (
	NotificationPostCallReport NotificationKind = "post_call_report"
	NotificationMissedCall     NotificationKind = "missed_call_alert"
	NotificationInvalidPhone   NotificationKind = "invalid_phone_alert"
)

// NotificationMessage asks the notify worker to render and send one payer notification.
type NotificationMessage struct {
	Kind       NotificationKind `json:"kind"`
	CallID     uuid.UUID        `json:"call_id"`
	PatientID  uuid.UUID        `json:"patient_id"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// DeadLetterMessage wraps a message a worker gave up on.
type DeadLetterMessage struct {
	SourceTopic string          `json:"source_topic"`
	Key         []byte          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error"`
	FailedAt    time.Time       `json:"failed_at"`
}
