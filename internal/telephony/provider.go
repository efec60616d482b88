package telephony

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRejected is returned when the provider refuses to start a call.
var ErrRejected = errors.New("telephony: call rejected")

// Medicine is a medicine the voice agent asks about, by its spoken name.
type Medicine struct {
	Name       string
	Timing     string
	MedicineID uuid.UUID
}

// StartCallRequest carries everything the voice agent needs for one call.
type StartCallRequest struct {
	Phone         string
	CallID        uuid.UUID
	PatientName   string
	Medicines     []Medicine
	Language      string
	HasGlucometer bool
	HasBPMonitor  bool
	IsNewPatient  bool
}

// StartCallResult identifies the provider-side call.
type StartCallResult struct {
	ConversationID string
	ProviderCallID string
}

// Gateway abstracts the voice-AI provider. StartCall is invoked at most once per call attempt.
type Gateway interface {
	StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error)
}
