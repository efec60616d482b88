package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

// PatientRepository implements repository.PatientStore using PostgreSQL.
type PatientRepository struct {
	db *sqlx.DB
}

// NewPatientRepository constructs a new repository.
func NewPatientRepository(db *sqlx.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

// Get fetches a patient by id.
func (r *PatientRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	q := `SELECT id, payer_id, full_name, preferred_name, phone, preferred_language,
	       has_glucometer, has_bp_monitor, is_new_patient, is_paused, pause_reason, paused_until,
	       phone_status, calls_completed_count, first_call_at, last_call_at
	  FROM patients WHERE id = $1`

	var record patientRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("patient repo: get: %w", err)
	}

	patient := record.toDomain()
	return &patient, nil
}

// MarkPhoneInvalid flags the number as unreachable and pauses the patient.
// The row is locked first so concurrent pause writes serialize per patient.
func (r *PatientRepository) MarkPhoneInvalid(ctx context.Context, id uuid.UUID, reason string) error {
	return withPatientLock(ctx, r.db, id, func(tx *sqlx.Tx, status string) error {
		if status == string(domain.PhoneStatusInvalid) {
			return nil
		}

		q := `UPDATE patients SET
			phone_status = 'invalid',
			is_paused = TRUE,
			pause_reason = $2,
			updated_at = NOW()
		 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, id, reason); err != nil {
			return fmt.Errorf("patient repo: mark phone invalid: %w", err)
		}
		return nil
	})
}

// RecordCompletedCall bumps the completed-call counters. Repeating it with the same at is a no-op.
func (r *PatientRepository) RecordCompletedCall(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := `UPDATE patients SET
		calls_completed_count = calls_completed_count +
			CASE WHEN last_call_at IS NOT DISTINCT FROM $2 THEN 0 ELSE 1 END,
		first_call_at = COALESCE(first_call_at, $2),
		last_call_at = $2,
		updated_at = NOW()
	 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("patient repo: record completed call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patient repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type patientRecord struct {
	ID                  uuid.UUID      `db:"id"`
	PayerID             uuid.UUID      `db:"payer_id"`
	FullName            string         `db:"full_name"`
	PreferredName       string         `db:"preferred_name"`
	Phone               string         `db:"phone"`
	PreferredLanguage   string         `db:"preferred_language"`
	HasGlucometer       bool           `db:"has_glucometer"`
	HasBPMonitor        bool           `db:"has_bp_monitor"`
	IsNewPatient        bool           `db:"is_new_patient"`
	IsPaused            bool           `db:"is_paused"`
	PauseReason         sql.NullString `db:"pause_reason"`
	PausedUntil         sql.NullTime   `db:"paused_until"`
	PhoneStatus         string         `db:"phone_status"`
	CallsCompletedCount int            `db:"calls_completed_count"`
	FirstCallAt         sql.NullTime   `db:"first_call_at"`
	LastCallAt          sql.NullTime   `db:"last_call_at"`
}

func (r patientRecord) toDomain() domain.Patient {
	return domain.Patient{
		ID:                  r.ID,
		PayerID:             r.PayerID,
		FullName:            r.FullName,
		PreferredName:       r.PreferredName,
		Phone:               r.Phone,
		PreferredLanguage:   r.PreferredLanguage,
		HasGlucometer:       r.HasGlucometer,
		HasBPMonitor:        r.HasBPMonitor,
		IsNewPatient:        r.IsNewPatient,
		IsPaused:            r.IsPaused,
		PauseReason:         r.PauseReason.String,
		PausedUntil:         nullTime(r.PausedUntil),
		PhoneStatus:         domain.PhoneStatus(r.PhoneStatus),
		CallsCompletedCount: r.CallsCompletedCount,
		FirstCallAt:         nullTime(r.FirstCallAt),
		LastCallAt:          nullTime(r.LastCallAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
