package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call record.
type CallStatus string

const (
	CallStatusScheduled  CallStatus = "scheduled"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
	CallStatusDeclined   CallStatus = "declined"
)

// Timing is the daily slot a call or medicine belongs to.
type Timing string

const (
	TimingMorning   Timing = "morning"
	TimingAfternoon Timing = "afternoon"
	TimingEvening   Timing = "evening"
	TimingNight     Timing = "night"
)

// MedicineResponse is the adherence outcome for one medicine on one call.
type MedicineResponse string

const (
	ResponsePending MedicineResponse = "pending"
	ResponseTaken   MedicineResponse = "taken"
	ResponseMissed  MedicineResponse = "missed"
	ResponseUnclear MedicineResponse = "unclear"
)

// VitalsChecked records whether the patient reported checking vitals.
type VitalsChecked string

const (
	VitalsYes      VitalsChecked = "yes"
	VitalsNo       VitalsChecked = "no"
	VitalsNotAsked VitalsChecked = "not_asked"
)

// Mood is the normalized mood reported on a call.
type Mood string

const (
	MoodGood     Mood = "good"
	MoodOkay     Mood = "okay"
	MoodNotWell  Mood = "not_well"
	MoodNotAsked Mood = "not_asked"
)

// MedicineCheckEntry tracks a single medicine asked about on a call.
type MedicineCheckEntry struct {
	MedicineID   uuid.UUID        `json:"medicine_id"`
	MedicineName string           `json:"medicine_name"`
	Nickname     string           `json:"nickname,omitempty"`
	IsCritical   bool             `json:"is_critical,omitempty"`
	Response     MedicineResponse `json:"response"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Resolve moves a pending entry to a final response. Resolved entries are left untouched
// so the response never moves backward. It reports whether the entry changed.
func (e *MedicineCheckEntry) Resolve(response MedicineResponse, at time.Time) bool {
	if e.Response != ResponsePending && e.Response != "" {
		return false
	}
	switch response {
	case ResponseTaken, ResponseMissed, ResponseUnclear:
	default:
		return false
	}
	e.Response = response
	e.Timestamp = at
	return true
}

// SpokenName is the name the voice agent should use for the medicine.
func (e MedicineCheckEntry) SpokenName() string {
	if strings.TrimSpace(e.Nickname) != "" {
		return e.Nickname
	}
	return e.MedicineName
}

// BloodPressure is a systolic/diastolic pair.
type BloodPressure struct {
	Systolic  int `json:"systolic"`
	Diastolic int `json:"diastolic"`
}

// VitalsEntry captures optional vitals reported on a call.
type VitalsEntry struct {
	Glucose       *float64       `json:"glucose,omitempty"`
	BloodPressure *BloodPressure `json:"blood_pressure,omitempty"`
	CapturedAt    time.Time      `json:"captured_at"`
}

// TranscriptTurn is one utterance of the provider conversation.
type TranscriptTurn struct {
	Role    string  `json:"role"`
	Message string  `json:"message"`
	AtSecs  float64 `json:"at_secs,omitempty"`
}

// Call is the durable record of one call attempt.
type Call struct {
	ID                     uuid.UUID
	PatientID              uuid.UUID
	PayerID                uuid.UUID
	Timing                 Timing
	ScheduledAt            time.Time
	InitiatedAt            *time.Time
	AnsweredAt             *time.Time
	EndedAt                *time.Time
	DurationSecs           int
	Status                 CallStatus
	RetryCount             int
	IsRetry                bool
	OriginalCallID         *uuid.UUID
	MedicinesChecked       []MedicineCheckEntry
	Vitals                 *VitalsEntry
	VitalsChecked          VitalsChecked
	MoodNotes              string
	Complaints             []string
	ProviderCallID         string
	ProviderConversationID string
	RecordingURL           string
	TranscriptRef          string
	Transcript             []TranscriptTurn
	ProviderCharges        float64
	TelephonyCharges       float64
	TotalCharges           float64
	IsFirstCall            bool
	UsedNewPatientProtocol bool
	LastError              *string
	// FollowUpDone is set once the retry, alert or report for the outcome went out.
	FollowUpDone bool
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so mutations can be attempted and discarded.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.MedicinesChecked = append([]MedicineCheckEntry(nil), c.MedicinesChecked...)
	out.Complaints = append([]string(nil), c.Complaints...)
	out.Transcript = append([]TranscriptTurn(nil), c.Transcript...)
	if c.Vitals != nil {
		v := *c.Vitals
		out.Vitals = &v
	}
	return &out
}

// PendingMedicines counts entries that still await a response.
func (c *Call) PendingMedicines() int {
	n := 0
	for _, m := range c.MedicinesChecked {
		if m.Response == ResponsePending {
			n++
		}
	}
	return n
}

// MarkAllMissed resolves every pending entry to missed and returns how many changed.
func (c *Call) MarkAllMissed(at time.Time) int {
	return c.resolvePending(ResponseMissed, at)
}

// MarkPendingUnclear resolves entries the conversation never settled.
func (c *Call) MarkPendingUnclear(at time.Time) int {
	return c.resolvePending(ResponseUnclear, at)
}

func (c *Call) resolvePending(resp MedicineResponse, at time.Time) int {
	changed := 0
	for i := range c.MedicinesChecked {
		if c.MedicinesChecked[i].Resolve(resp, at) {
			changed++
		}
	}
	return changed
}

// NewPendingEntries copies entries with every response reset to pending.
func NewPendingEntries(src []MedicineCheckEntry, at time.Time) []MedicineCheckEntry {
	out := make([]MedicineCheckEntry, len(src))
	for i, m := range src {
		m.Response = ResponsePending
		m.Timestamp = at
		out[i] = m
	}
	return out
}
