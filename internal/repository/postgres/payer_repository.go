package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

// PayerRepository implements repository.PayerStore using PostgreSQL.
type PayerRepository struct {
	db *sqlx.DB
}

func NewPayerRepository(db *sqlx.DB) *PayerRepository {
	return &PayerRepository{db: db}
}

func (r *PayerRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Payer, error) {
	var payer domain.Payer
	row := r.db.QueryRowxContext(ctx, `SELECT id, name, phone, email FROM payers WHERE id = $1`, id)
	if err := row.Scan(&payer.ID, &payer.Name, &payer.Phone, &payer.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("payer repo: get: %w", err)
	}
	return &payer, nil
}
