package domain

import (
	"time"

	"github.com/google/uuid"
)

// PhoneStatus tracks whether a patient's number is known to be reachable.
type PhoneStatus string

const (
	PhoneStatusValid   PhoneStatus = "valid"
	PhoneStatusInvalid PhoneStatus = "invalid"
)

// Patient is the monitored person receiving calls. Managed outside this pipeline.
type Patient struct {
	ID                  uuid.UUID
	PayerID             uuid.UUID
	FullName            string
	PreferredName       string
	Phone               string
	PreferredLanguage   string
	HasGlucometer       bool
	HasBPMonitor        bool
	IsNewPatient        bool
	IsPaused            bool
	PauseReason         string
	PausedUntil         *time.Time
	PhoneStatus         PhoneStatus
	CallsCompletedCount int
	FirstCallAt         *time.Time
	LastCallAt          *time.Time
}

// Callable reports whether the patient may receive a scheduled call.
func (p *Patient) Callable() bool {
	return p != nil && !p.IsPaused && p.PhoneStatus != PhoneStatusInvalid
}

// Language returns the preferred language with the service default.
func (p *Patient) Language() string {
	if p.PreferredLanguage == "" {
		return "hi"
	}
	return p.PreferredLanguage
}

// Medicine is a prescribed medicine with its daily slot.
type Medicine struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	BrandName   string
	GenericName string
	Timing      Timing
	Nicknames   []string
	IsCritical  bool
	IsActive    bool
}

// CheckEntry builds a pending check entry for the medicine.
func (m Medicine) CheckEntry(at time.Time) MedicineCheckEntry {
	nickname := m.BrandName
	if len(m.Nicknames) > 0 && m.Nicknames[0] != "" {
		nickname = m.Nicknames[0]
	}
	return MedicineCheckEntry{
		MedicineID:   m.ID,
		MedicineName: m.BrandName,
		Nickname:     nickname,
		IsCritical:   m.IsCritical,
		Response:     ResponsePending,
		Timestamp:    at,
	}
}

// Payer is the family member who receives reports.
type Payer struct {
	ID    uuid.UUID
	Name  string
	Phone string
	Email string
}
