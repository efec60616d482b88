package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrNoChange lets a call mutation skip the write.
	ErrNoChange = errors.New("no change")
)

// CallConfigStore reads patient call schedules. Read-only to the pipeline.
type CallConfigStore interface {
	ListActive(ctx context.Context) ([]domain.CallConfiguration, error)
	FindDue(ctx context.Context, hour, minute int) ([]domain.CallConfiguration, error)
	FindByPatient(ctx context.Context, patientID uuid.UUID) (*domain.CallConfiguration, error)
}

// PatientStore reads patients and applies the few writes the pipeline owns.
type PatientStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error)
	MarkPhoneInvalid(ctx context.Context, id uuid.UUID, reason string) error
	RecordCompletedCall(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MedicineStore lists the medicines due in a slot.
type MedicineStore interface {
	ListDue(ctx context.Context, patientID uuid.UUID, timing domain.Timing) ([]domain.Medicine, error)
}

// PayerStore resolves the report recipient for a patient.
type PayerStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Payer, error)
}

// CallMutation edits a call in place. Returning ErrNoChange skips the write.
type CallMutation func(call *domain.Call) error

// CallStore persists call records.
type CallStore interface {
	CreateCall(ctx context.Context, call *domain.Call) error
	GetCall(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	FindByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error)
	// UpdateCall applies the mutation with compare-and-set semantics and returns the stored record.
	UpdateCall(ctx context.Context, id uuid.UUID, mutate CallMutation) (*domain.Call, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time, limit int, pageToken []byte) ([]domain.Call, []byte, error)
	ListDueRetries(ctx context.Context, now time.Time, lookBack time.Duration) ([]domain.Call, error)
	RemoveDueRetry(ctx context.Context, call *domain.Call) error
}
