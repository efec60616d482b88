package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

// MedicineRepository implements repository.MedicineStore using PostgreSQL.
type MedicineRepository struct {
	db *sqlx.DB
}

// NewMedicineRepository constructs a new repository.
func NewMedicineRepository(db *sqlx.DB) *MedicineRepository {
	return &MedicineRepository{db: db}
}

// ListDue returns the patient's active medicines for a slot, in prescription order.
func (r *MedicineRepository) ListDue(ctx context.Context, patientID uuid.UUID, timing domain.Timing) ([]domain.Medicine, error) {
	q := `SELECT id, patient_id, brand_name, generic_name, timing, nicknames, is_critical, is_active
	  FROM medicines
	 WHERE patient_id = $1 AND timing = $2 AND is_active
	 ORDER BY created_at, id`

	var records []medicineRecord
	if err := r.db.SelectContext(ctx, &records, q, patientID, string(timing)); err != nil {
		return nil, fmt.Errorf("medicine repo: list due: %w", err)
	}

	medicines := make([]domain.Medicine, 0, len(records))
	for _, rec := range records {
		medicines = append(medicines, rec.toDomain())
	}
	return medicines, nil
}

type medicineRecord struct {
	ID          uuid.UUID      `db:"id"`
	PatientID   uuid.UUID      `db:"patient_id"`
	BrandName   string         `db:"brand_name"`
	GenericName sql.NullString `db:"generic_name"`
	Timing      string         `db:"timing"`
	Nicknames   pq.StringArray `db:"nicknames"`
	IsCritical  bool           `db:"is_critical"`
	IsActive    bool           `db:"is_active"`
}

func (r medicineRecord) toDomain() domain.Medicine {
	return domain.Medicine{
		ID:          r.ID,
		PatientID:   r.PatientID,
		BrandName:   r.BrandName,
		GenericName: r.GenericName.String,
		Timing:      domain.Timing(r.Timing),
		Nicknames:   []string(r.Nicknames),
		IsCritical:  r.IsCritical,
		IsActive:    r.IsActive,
	}
}
