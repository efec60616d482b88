package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

// Directory holds patients, medicines, payers and call configurations.
type Directory struct {
	mu        sync.Mutex
	patients  map[uuid.UUID]*domain.Patient
	payers    map[uuid.UUID]*domain.Payer
	medicines map[uuid.UUID][]domain.Medicine
	configs   map[uuid.UUID]*domain.CallConfiguration
	order     []uuid.UUID
}

func NewDirectory() *Directory {
	return &Directory{
		patients:  make(map[uuid.UUID]*domain.Patient),
		payers:    make(map[uuid.UUID]*domain.Payer),
		medicines: make(map[uuid.UUID][]domain.Medicine),
		configs:   make(map[uuid.UUID]*domain.CallConfiguration),
	}
}

func (d *Directory) PutPatient(p domain.Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = &p
}

func (d *Directory) PutPayer(p domain.Payer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payers[p.ID] = &p
}

func (d *Directory) AddMedicine(m domain.Medicine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.medicines[m.PatientID] = append(d.medicines[m.PatientID], m)
}

func (d *Directory) PutConfig(c domain.CallConfiguration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.configs[c.PatientID]; !ok {
		d.order = append(d.order, c.PatientID)
	}
	d.configs[c.PatientID] = &c
}

// Patients returns the patient store view.
func (d *Directory) Patients() repository.PatientStore { return patientView{d} }

// Payers returns the payer store view.
func (d *Directory) Payers() repository.PayerStore { return payerView{d} }

// Medicines returns the medicine store view.
func (d *Directory) Medicines() repository.MedicineStore { return medicineView{d} }

// Configs returns the call configuration store view.
func (d *Directory) Configs() repository.CallConfigStore { return configView{d} }

type patientView struct{ d *Directory }

func (v patientView) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	p, ok := v.d.patients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (v patientView) MarkPhoneInvalid(ctx context.Context, id uuid.UUID, reason string) error {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	p, ok := v.d.patients[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.PhoneStatus = domain.PhoneStatusInvalid
	p.IsPaused = true
	p.PauseReason = reason
	return nil
}

func (v patientView) RecordCompletedCall(ctx context.Context, id uuid.UUID, at time.Time) error {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	p, ok := v.d.patients[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.LastCallAt == nil || !p.LastCallAt.Equal(at) {
		p.CallsCompletedCount++
	}
	if p.FirstCallAt == nil {
		first := at
		p.FirstCallAt = &first
	}
	last := at
	p.LastCallAt = &last
	return nil
}

type payerView struct{ d *Directory }

func (v payerView) Get(ctx context.Context, id uuid.UUID) (*domain.Payer, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	p, ok := v.d.payers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *p
	return &out, nil
}

type medicineView struct{ d *Directory }

func (v medicineView) ListDue(ctx context.Context, patientID uuid.UUID, timing domain.Timing) ([]domain.Medicine, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	var out []domain.Medicine
	for _, m := range v.d.medicines[patientID] {
		if m.IsActive && m.Timing == timing {
			out = append(out, m)
		}
	}
	return out, nil
}

type configView struct{ d *Directory }

func (v configView) ListActive(ctx context.Context) ([]domain.CallConfiguration, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	var out []domain.CallConfiguration
	for _, id := range v.d.order {
		if c := v.d.configs[id]; c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (v configView) FindDue(ctx context.Context, hour, minute int) ([]domain.CallConfiguration, error) {
	clock := fmt.Sprintf("%02d:%02d", hour, minute)
	active, _ := v.ListActive(ctx)
	var out []domain.CallConfiguration
	for _, c := range active {
		if c.MorningCallTime == clock || c.EveningCallTime == clock {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v configView) FindByPatient(ctx context.Context, patientID uuid.UUID) (*domain.CallConfiguration, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	c, ok := v.d.configs[patientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *c
	return &out, nil
}
