package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/adherence-call-pipeline/internal/repository"
)

// withPatientLock runs fn in a transaction holding the patient's row lock.
// fn receives the phone status read under the lock.
func withPatientLock(ctx context.Context, db *sqlx.DB, id uuid.UUID, fn func(tx *sqlx.Tx, phoneStatus string) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("patient repo: begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("patient repo: rollback: %v (original err: %w)", rbErr, err)
		}
	}()

	var status string
	if err = tx.QueryRowxContext(ctx, `SELECT phone_status FROM patients WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("patient repo: lock: %w", err)
	}

	if err = fn(tx, status); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("patient repo: commit: %w", err)
	}
	return nil
}
