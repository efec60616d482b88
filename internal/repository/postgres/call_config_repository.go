package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

const callConfigColumns = `id, patient_id, morning_call_time, evening_call_time, timezone, is_active,
	       retry_enabled, retry_interval_minutes, max_retries, retry_only_for_statuses,
	       call_duration_target_secs, use_slower_speech_rate, updated_at`

// CallConfigRepository implements repository.CallConfigStore using PostgreSQL.
type CallConfigRepository struct {
	db *sqlx.DB
}

// NewCallConfigRepository constructs a new repository.
func NewCallConfigRepository(db *sqlx.DB) *CallConfigRepository {
	return &CallConfigRepository{db: db}
}

// ListActive returns every active configuration.
func (r *CallConfigRepository) ListActive(ctx context.Context) ([]domain.CallConfiguration, error) {
	q := `SELECT ` + callConfigColumns + `
	  FROM call_configurations
	 WHERE is_active
	 ORDER BY patient_id`

	return r.query(ctx, "list active", q)
}

// FindDue returns active configurations whose morning or evening clock reads HH:MM.
// The clock is compared as stored, in each patient's local time.
func (r *CallConfigRepository) FindDue(ctx context.Context, hour, minute int) ([]domain.CallConfiguration, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("call config repo: invalid clock %02d:%02d", hour, minute)
	}
	clock := fmt.Sprintf("%02d:%02d", hour, minute)

	q := `SELECT ` + callConfigColumns + `
	  FROM call_configurations
	 WHERE is_active AND (morning_call_time = $1 OR evening_call_time = $1)
	 ORDER BY patient_id`

	return r.query(ctx, "find due", q, clock)
}

// FindByPatient fetches the configuration for a patient.
func (r *CallConfigRepository) FindByPatient(ctx context.Context, patientID uuid.UUID) (*domain.CallConfiguration, error) {
	q := `SELECT ` + callConfigColumns + `
	  FROM call_configurations WHERE patient_id = $1`

	var record callConfigRecord
	if err := r.db.QueryRowxContext(ctx, q, patientID).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call config repo: find by patient: %w", err)
	}

	cfg := record.toDomain()
	return &cfg, nil
}

func (r *CallConfigRepository) query(ctx context.Context, op, q string, args ...any) ([]domain.CallConfiguration, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call config repo: %s: %w", op, err)
	}
	defer rows.Close()

	var configs []domain.CallConfiguration
	for rows.Next() {
		var record callConfigRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("call config repo: %s scan: %w", op, err)
		}
		configs = append(configs, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call config repo: %s rows: %w", op, err)
	}
	return configs, nil
}

type callConfigRecord struct {
	ID                     uuid.UUID      `db:"id"`
	PatientID              uuid.UUID      `db:"patient_id"`
	MorningCallTime        string         `db:"morning_call_time"`
	EveningCallTime        sql.NullString `db:"evening_call_time"`
	Timezone               string         `db:"timezone"`
	IsActive               bool           `db:"is_active"`
	RetryEnabled           bool           `db:"retry_enabled"`
	RetryIntervalMinutes   int            `db:"retry_interval_minutes"`
	MaxRetries             int            `db:"max_retries"`
	RetryOnlyForStatuses   pq.StringArray `db:"retry_only_for_statuses"`
	CallDurationTargetSecs int            `db:"call_duration_target_secs"`
	UseSlowerSpeechRate    bool           `db:"use_slower_speech_rate"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

func (r callConfigRecord) toDomain() domain.CallConfiguration {
	statuses := make([]domain.CallStatus, 0, len(r.RetryOnlyForStatuses))
	for _, s := range r.RetryOnlyForStatuses {
		statuses = append(statuses, domain.CallStatus(s))
	}

	return domain.CallConfiguration{
		ID:              r.ID,
		PatientID:       r.PatientID,
		MorningCallTime: r.MorningCallTime,
		EveningCallTime: r.EveningCallTime.String,
		Timezone:        r.Timezone,
		Active:          r.IsActive,
		Retry: domain.RetryPolicy{
			Enabled:           r.RetryEnabled,
			IntervalMinutes:   r.RetryIntervalMinutes,
			MaxRetries:        r.MaxRetries,
			RetryableStatuses: statuses,
		},
		CallDurationTargetSecs: r.CallDurationTargetSecs,
		UseSlowerSpeechRate:    r.UseSlowerSpeechRate,
		UpdatedAt:              r.UpdatedAt,
	}
}
