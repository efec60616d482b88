package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
		call_id text PRIMARY KEY,
		patient_id text,
		payer_id text,
		timing text,
		scheduled_at timestamp,
		initiated_at timestamp,
		answered_at timestamp,
		ended_at timestamp,
		duration_secs int,
		status text,
		retry_count int,
		is_retry boolean,
		original_call_id text,
		medicines_checked text,
		vitals text,
		vitals_checked text,
		mood_notes text,
		complaints list<text>,
		provider_call_id text,
		provider_conversation_id text,
		recording_url text,
		transcript_ref text,
		transcript text,
		provider_charges double,
		telephony_charges double,
		total_charges double,
		is_first_call boolean,
		used_new_patient_protocol boolean,
		last_error text,
		follow_up_done boolean,
		version int,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS calls_by_patient (
		patient_id text,
		scheduled_at timestamp,
		call_id text,
		timing text,
		status text,
		PRIMARY KEY ((patient_id), scheduled_at, call_id)
	) WITH CLUSTERING ORDER BY (scheduled_at DESC, call_id ASC)`,
	`CREATE TABLE IF NOT EXISTS calls_by_provider_id (
		provider_call_id text PRIMARY KEY,
		call_id text
	)`,
	`CREATE TABLE IF NOT EXISTS due_retries (
		bucket date,
		scheduled_at timestamp,
		call_id text,
		PRIMARY KEY ((bucket), scheduled_at, call_id)
	)`,
}

// EnsureSchema creates the call tables in the session keyspace when missing.
func EnsureSchema(ctx context.Context, session *gocql.Session) error {
	for _, stmt := range schemaStatements {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("call store: ensure schema: %w", err)
		}
	}
	return nil
}
