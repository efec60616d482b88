package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy defines how unanswered calls are retried for a patient.
type RetryPolicy struct {
	Enabled           bool
	IntervalMinutes   int
	MaxRetries        int
	RetryableStatuses []CallStatus
}

// Interval returns the delay before a retry is due.
func (p RetryPolicy) Interval() time.Duration {
	if p.IntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(p.IntervalMinutes) * time.Minute
}

// Allows reports whether the status is retryable under the policy.
func (p RetryPolicy) Allows(status CallStatus) bool {
	if len(p.RetryableStatuses) == 0 {
		return status.Unanswered()
	}
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// CallConfiguration is a patient's call schedule.
type CallConfiguration struct {
	ID                     uuid.UUID
	PatientID              uuid.UUID
	MorningCallTime        string
	EveningCallTime        string
	Timezone               string
	Active                 bool
	Retry                  RetryPolicy
	CallDurationTargetSecs int
	UseSlowerSpeechRate    bool
	UpdatedAt              time.Time
}

// DueTiming reports which slot, if any, matches the given instant in the configuration's timezone.
// Morning wins when both slots hold the same value. A wall-clock minute repeated by a DST
// fall-back only matches its first occurrence.
func (c CallConfiguration) DueTiming(now time.Time) (Timing, bool, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return "", false, fmt.Errorf("config %s: load timezone %q: %w", c.ID, c.Timezone, err)
	}
	if repeatedWallClock(now, loc) {
		return "", false, nil
	}
	local := now.In(loc).Format("15:04")
	switch {
	case c.MorningCallTime != "" && c.MorningCallTime == local:
		return TimingMorning, true, nil
	case c.EveningCallTime != "" && c.EveningCallTime == local:
		return TimingEvening, true, nil
	}
	return "", false, nil
}

// repeatedWallClock reports whether an earlier instant already showed the same local date and minute,
// which only happens in the hour after clocks are set back.
func repeatedWallClock(now time.Time, loc *time.Location) bool {
	_, offNow := now.In(loc).Zone()
	_, offBefore := now.Add(-3 * time.Hour).In(loc).Zone()
	if offBefore <= offNow {
		return false
	}
	earlier := now.Add(-time.Duration(offBefore-offNow) * time.Second)
	const layout = "2006-01-02 15:04"
	return earlier.In(loc).Format(layout) == now.In(loc).Format(layout)
}

// ValidateClock checks an HH:MM wall-clock value.
func ValidateClock(value string) error {
	if _, err := time.Parse("15:04", value); err != nil || len(value) != 5 {
		return fmt.Errorf("invalid clock value %q", value)
	}
	return nil
}
