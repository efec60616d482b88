package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

const maxCASAttempts = 5

const callColumns = `call_id, patient_id, payer_id, timing, scheduled_at, initiated_at, answered_at, ended_at,
	duration_secs, status, retry_count, is_retry, original_call_id, medicines_checked, vitals, vitals_checked,
	mood_notes, complaints, provider_call_id, provider_conversation_id, recording_url, transcript_ref, transcript,
	provider_charges, telephony_charges, total_charges, is_first_call, used_new_patient_protocol, last_error,
	follow_up_done, version, created_at, updated_at`

// CallStore persists call records in Scylla.
type CallStore struct {
	session *gocql.Session
	now     func() time.Time
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session, now: func() time.Time { return time.Now().UTC() }}
}

// CreateCall inserts a call record and its lookup rows. Inserting an existing id fails with ErrConflict.
func (s *CallStore) CreateCall(ctx context.Context, call *domain.Call) error {
	now := s.now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Version == 0 {
		call.Version = 1
	}

	row, err := newCallRow(call)
	if err != nil {
		return err
	}

	applied, err := s.session.Query(`INSERT INTO call_records (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		IF NOT EXISTS`, row.values()...,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("call store: insert call_records: %w", err)
	}
	if !applied {
		return fmt.Errorf("call store: call %s: %w", call.ID, repository.ErrConflict)
	}

	if err := s.session.Query(`INSERT INTO calls_by_patient (patient_id, scheduled_at, call_id, timing, status)
		VALUES (?, ?, ?, ?, ?)`,
		call.PatientID.String(), call.ScheduledAt, call.ID.String(), string(call.Timing), string(call.Status),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_patient: %w", err)
	}

	if call.ProviderCallID != "" {
		if err := s.indexProviderCallID(ctx, call); err != nil {
			return err
		}
	}

	if call.IsRetry && call.Status == domain.CallStatusScheduled {
		if err := s.session.Query(`INSERT INTO due_retries (bucket, scheduled_at, call_id) VALUES (?, ?, ?)`,
			bucketDate(call.ScheduledAt), call.ScheduledAt, call.ID.String(),
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("call store: insert due_retries: %w", err)
		}
	}

	return nil
}

// GetCall retrieves a call by ID.
func (s *CallStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	var row callRow
	err := s.session.Query(`SELECT `+callColumns+` FROM call_records WHERE call_id = ?`, callID.String()).
		WithContext(ctx).
		Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: get call: %w", err)
	}
	return row.toDomain()
}

// FindByProviderCallID resolves a call through the provider call id index.
func (s *CallStore) FindByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	var idStr string
	err := s.session.Query(`SELECT call_id FROM calls_by_provider_id WHERE provider_call_id = ?`, providerCallID).
		WithContext(ctx).
		Scan(&idStr)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: find by provider id: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	return s.GetCall(ctx, id)
}

// UpdateCall reads the call, applies mutate to a copy and writes it back with IF version = ?.
// Lost races re-read and re-apply, up to maxCASAttempts.
func (s *CallStore) UpdateCall(ctx context.Context, id uuid.UUID, mutate repository.CallMutation) (*domain.Call, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.GetCall(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, repository.ErrNoChange) {
				return current, nil
			}
			return nil, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		row, err := newCallRow(next)
		if err != nil {
			return nil, err
		}

		applied, err := s.session.Query(`UPDATE call_records SET
			initiated_at = ?, answered_at = ?, ended_at = ?, duration_secs = ?, status = ?,
			medicines_checked = ?, vitals = ?, vitals_checked = ?, mood_notes = ?, complaints = ?,
			provider_call_id = ?, provider_conversation_id = ?, recording_url = ?, transcript_ref = ?, transcript = ?,
			provider_charges = ?, telephony_charges = ?, total_charges = ?, used_new_patient_protocol = ?,
			last_error = ?, follow_up_done = ?, version = ?, updated_at = ?
			WHERE call_id = ? IF version = ?`,
			row.InitiatedAt, row.AnsweredAt, row.EndedAt, row.DurationSecs, row.Status,
			row.Medicines, row.Vitals, row.VitalsChecked, row.MoodNotes, row.Complaints,
			row.ProviderCallID, row.ProviderConversationID, row.RecordingURL, row.TranscriptRef, row.Transcript,
			row.ProviderCharges, row.TelephonyCharges, row.TotalCharges, row.UsedNewPatientProtocol,
			row.LastError, row.FollowUpDone, row.Version, row.UpdatedAt,
			row.CallID, current.Version,
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return nil, fmt.Errorf("call store: update call_records: %w", err)
		}
		if !applied {
			continue
		}

		if err := s.syncIndexes(ctx, current, next); err != nil {
			return nil, err
		}
		return next, nil
	}

	return nil, fmt.Errorf("call store: update %s after %d attempts: %w", id, maxCASAttempts, apperrors.ErrPreconditionFailed)
}

// ListByPatient pages through a patient's calls, newest first. Zero from/to leave the range open.
func (s *CallStore) ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time, limit int, pageToken []byte) ([]domain.Call, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt := `SELECT call_id FROM calls_by_patient WHERE patient_id = ?`
	args := []interface{}{patientID.String()}
	if !from.IsZero() {
		stmt += ` AND scheduled_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		stmt += ` AND scheduled_at < ?`
		args = append(args, to)
	}

	query := s.session.Query(stmt, args...).WithContext(ctx).PageSize(limit)
	if len(pageToken) > 0 {
		query = query.PageState(pageToken)
	}

	iter := query.Iter()
	ids := make([]string, 0, limit)
	var idStr string
	for len(ids) < limit && iter.Scan(&idStr) {
		ids = append(ids, idStr)
	}
	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call store: list by patient: %w", err)
	}

	calls, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return calls, nextState, nil
}

// ListDueRetries returns retry records whose scheduled time has passed, oldest bucket first.
func (s *CallStore) ListDueRetries(ctx context.Context, now time.Time, lookBack time.Duration) ([]domain.Call, error) {
	var ids []string
	for _, bucket := range bucketsBetween(now.Add(-lookBack), now) {
		iter := s.session.Query(`SELECT call_id FROM due_retries WHERE bucket = ? AND scheduled_at <= ?`, bucket, now).
			WithContext(ctx).
			Iter()
		var idStr string
		for iter.Scan(&idStr) {
			ids = append(ids, idStr)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("call store: list due retries: %w", err)
		}
	}
	return s.loadAll(ctx, ids)
}

// RemoveDueRetry drops the call from the due-retry index.
func (s *CallStore) RemoveDueRetry(ctx context.Context, call *domain.Call) error {
	if err := s.session.Query(`DELETE FROM due_retries WHERE bucket = ? AND scheduled_at = ? AND call_id = ?`,
		bucketDate(call.ScheduledAt), call.ScheduledAt, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: remove due retry: %w", err)
	}
	return nil
}

func (s *CallStore) loadAll(ctx context.Context, ids []string) ([]domain.Call, error) {
	calls := make([]domain.Call, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		call, err := s.GetCall(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, nil
}

func (s *CallStore) syncIndexes(ctx context.Context, before, after *domain.Call) error {
	if before.Status != after.Status {
		if err := s.session.Query(`UPDATE calls_by_patient SET status = ? WHERE patient_id = ? AND scheduled_at = ? AND call_id = ?`,
			string(after.Status), after.PatientID.String(), after.ScheduledAt, after.ID.String(),
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("call store: update calls_by_patient: %w", err)
		}
	}
	if after.ProviderCallID != "" && after.ProviderCallID != before.ProviderCallID {
		return s.indexProviderCallID(ctx, after)
	}
	return nil
}

func (s *CallStore) indexProviderCallID(ctx context.Context, call *domain.Call) error {
	if err := s.session.Query(`INSERT INTO calls_by_provider_id (provider_call_id, call_id) VALUES (?, ?)`,
		call.ProviderCallID, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_provider_id: %w", err)
	}
	return nil
}

// callRow mirrors the call_records columns.
type callRow struct {
	CallID                 string
	PatientID              string
	PayerID                string
	Timing                 string
	ScheduledAt            time.Time
	InitiatedAt            *time.Time
	AnsweredAt             *time.Time
	EndedAt                *time.Time
	DurationSecs           int
	Status                 string
	RetryCount             int
	IsRetry                bool
	OriginalCallID         *string
	Medicines              string
	Vitals                 *string
	VitalsChecked          string
	MoodNotes              string
	Complaints             []string
	ProviderCallID         string
	ProviderConversationID string
	RecordingURL           string
	TranscriptRef          string
	Transcript             string
	ProviderCharges        float64
	TelephonyCharges       float64
	TotalCharges           float64
	IsFirstCall            bool
	UsedNewPatientProtocol bool
	LastError              *string
	FollowUpDone           bool
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func newCallRow(call *domain.Call) (callRow, error) {
	medicines, err := json.Marshal(call.MedicinesChecked)
	if err != nil {
		return callRow{}, fmt.Errorf("call store: encode medicines: %w", err)
	}
	transcript, err := json.Marshal(call.Transcript)
	if err != nil {
		return callRow{}, fmt.Errorf("call store: encode transcript: %w", err)
	}

	row := callRow{
		CallID:                 call.ID.String(),
		PatientID:              call.PatientID.String(),
		PayerID:                call.PayerID.String(),
		Timing:                 string(call.Timing),
		ScheduledAt:            call.ScheduledAt,
		InitiatedAt:            call.InitiatedAt,
		AnsweredAt:             call.AnsweredAt,
		EndedAt:                call.EndedAt,
		DurationSecs:           call.DurationSecs,
		Status:                 string(call.Status),
		RetryCount:             call.RetryCount,
		IsRetry:                call.IsRetry,
		Medicines:              string(medicines),
		VitalsChecked:          string(call.VitalsChecked),
		MoodNotes:              call.MoodNotes,
		Complaints:             call.Complaints,
		ProviderCallID:         call.ProviderCallID,
		ProviderConversationID: call.ProviderConversationID,
		RecordingURL:           call.RecordingURL,
		TranscriptRef:          call.TranscriptRef,
		Transcript:             string(transcript),
		ProviderCharges:        call.ProviderCharges,
		TelephonyCharges:       call.TelephonyCharges,
		TotalCharges:           call.TotalCharges,
		IsFirstCall:            call.IsFirstCall,
		UsedNewPatientProtocol: call.UsedNewPatientProtocol,
		LastError:              call.LastError,
		FollowUpDone:           call.FollowUpDone,
		Version:                call.Version,
		CreatedAt:              call.CreatedAt,
		UpdatedAt:              call.UpdatedAt,
	}
	if call.OriginalCallID != nil {
		original := call.OriginalCallID.String()
		row.OriginalCallID = &original
	}
	if call.Vitals != nil {
		vitals, err := json.Marshal(call.Vitals)
		if err != nil {
			return callRow{}, fmt.Errorf("call store: encode vitals: %w", err)
		}
		encoded := string(vitals)
		row.Vitals = &encoded
	}
	return row, nil
}

func (r *callRow) values() []interface{} {
	return []interface{}{
		r.CallID, r.PatientID, r.PayerID, r.Timing, r.ScheduledAt, r.InitiatedAt, r.AnsweredAt, r.EndedAt,
		r.DurationSecs, r.Status, r.RetryCount, r.IsRetry, r.OriginalCallID, r.Medicines, r.Vitals, r.VitalsChecked,
		r.MoodNotes, r.Complaints, r.ProviderCallID, r.ProviderConversationID, r.RecordingURL, r.TranscriptRef, r.Transcript,
		r.ProviderCharges, r.TelephonyCharges, r.TotalCharges, r.IsFirstCall, r.UsedNewPatientProtocol, r.LastError,
		r.FollowUpDone, r.Version, r.CreatedAt, r.UpdatedAt,
	}
}

func (r *callRow) dest() []interface{} {
	return []interface{}{
		&r.CallID, &r.PatientID, &r.PayerID, &r.Timing, &r.ScheduledAt, &r.InitiatedAt, &r.AnsweredAt, &r.EndedAt,
		&r.DurationSecs, &r.Status, &r.RetryCount, &r.IsRetry, &r.OriginalCallID, &r.Medicines, &r.Vitals, &r.VitalsChecked,
		&r.MoodNotes, &r.Complaints, &r.ProviderCallID, &r.ProviderConversationID, &r.RecordingURL, &r.TranscriptRef, &r.Transcript,
		&r.ProviderCharges, &r.TelephonyCharges, &r.TotalCharges, &r.IsFirstCall, &r.UsedNewPatientProtocol, &r.LastError,
		&r.FollowUpDone, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	}
}

func (r *callRow) toDomain() (*domain.Call, error) {
	id, err := uuid.Parse(r.CallID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	patientID, err := uuid.Parse(r.PatientID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse patient_id: %w", err)
	}
	payerID, err := uuid.Parse(r.PayerID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse payer_id: %w", err)
	}

	call := &domain.Call{
		ID:                     id,
		PatientID:              patientID,
		PayerID:                payerID,
		Timing:                 domain.Timing(r.Timing),
		ScheduledAt:            r.ScheduledAt,
		InitiatedAt:            r.InitiatedAt,
		AnsweredAt:             r.AnsweredAt,
		EndedAt:                r.EndedAt,
		DurationSecs:           r.DurationSecs,
		Status:                 domain.CallStatus(r.Status),
		RetryCount:             r.RetryCount,
		IsRetry:                r.IsRetry,
		VitalsChecked:          domain.VitalsChecked(r.VitalsChecked),
		MoodNotes:              r.MoodNotes,
		Complaints:             r.Complaints,
		ProviderCallID:         r.ProviderCallID,
		ProviderConversationID: r.ProviderConversationID,
		RecordingURL:           r.RecordingURL,
		TranscriptRef:          r.TranscriptRef,
		ProviderCharges:        r.ProviderCharges,
		TelephonyCharges:       r.TelephonyCharges,
		TotalCharges:           r.TotalCharges,
		IsFirstCall:            r.IsFirstCall,
		UsedNewPatientProtocol: r.UsedNewPatientProtocol,
		LastError:              r.LastError,
		FollowUpDone:           r.FollowUpDone,
		Version:                r.Version,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}

	if r.OriginalCallID != nil && *r.OriginalCallID != "" {
		original, err := uuid.Parse(*r.OriginalCallID)
		if err != nil {
			return nil, fmt.Errorf("call store: parse original_call_id: %w", err)
		}
		call.OriginalCallID = &original
	}
	if r.Medicines != "" {
		if err := json.Unmarshal([]byte(r.Medicines), &call.MedicinesChecked); err != nil {
			return nil, fmt.Errorf("call store: decode medicines: %w", err)
		}
	}
	if r.Vitals != nil && *r.Vitals != "" {
		call.Vitals = new(domain.VitalsEntry)
		if err := json.Unmarshal([]byte(*r.Vitals), call.Vitals); err != nil {
			return nil, fmt.Errorf("call store: decode vitals: %w", err)
		}
	}
	if r.Transcript != "" && r.Transcript != "null" {
		if err := json.Unmarshal([]byte(r.Transcript), &call.Transcript); err != nil {
			return nil, fmt.Errorf("call store: decode transcript: %w", err)
		}
	}
	return call, nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// bucketsBetween lists the daily buckets covering [from, to].
func bucketsBetween(from, to time.Time) []time.Time {
	first, last := bucketDate(from), bucketDate(to)
	var buckets []time.Time
	for b := first; !b.After(last); b = b.AddDate(0, 0, 1) {
		buckets = append(buckets, b)
	}
	return buckets
}
