package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

func displayName(p *domain.Patient) string {
	if p.PreferredName != "" {
		return p.PreferredName
	}
	return p.FullName
}

// PostCallReport renders the payer summary of a completed call.
func PostCallReport(call *domain.Call, patient *domain.Patient) string {
	name := displayName(patient)

	var b strings.Builder
	fmt.Fprintf(&b, "%s's Call Report\n\n", name)

	criticalMissed := false
	for _, m := range call.MedicinesChecked {
		icon := "?"
		switch m.Response {
		case domain.ResponseTaken:
			icon = "v"
		case domain.ResponseMissed:
			icon = "x"
			if m.IsCritical {
				criticalMissed = true
			}
		}
		fmt.Fprintf(&b, "%s %s: %s\n", icon, m.MedicineName, m.Response)
	}

	fmt.Fprintf(&b, "\nVitals: %s\n", vitalsText(call.Vitals))

	mood := call.MoodNotes
	if mood == "" || mood == string(domain.MoodNotAsked) {
		mood = "Not reported"
	}
	fmt.Fprintf(&b, "Mood: %s", mood)

	if len(call.Complaints) > 0 {
		fmt.Fprintf(&b, "\nComplaints: %s", strings.Join(call.Complaints, ", "))
	}
	if criticalMissed {
		b.WriteString("\n\n⚠ ALERT: Critical medicine missed!")
	}
	if patient.CallsCompletedCount <= 3 {
		fmt.Fprintf(&b, "\n\n%s's call went well!", name)
	}
	return b.String()
}

func vitalsText(v *domain.VitalsEntry) string {
	if v == nil || (v.Glucose == nil && v.BloodPressure == nil) {
		return "Not collected"
	}
	var parts []string
	if v.Glucose != nil {
		parts = append(parts, fmt.Sprintf("Glucose: %g mg/dL", *v.Glucose))
	}
	if v.BloodPressure != nil {
		parts = append(parts, fmt.Sprintf("BP: %d/%d", v.BloodPressure.Systolic, v.BloodPressure.Diastolic))
	}
	return strings.Join(parts, "\n")
}

// MissedCallAlert tells the payer every attempt in the chain went unanswered.
func MissedCallAlert(call *domain.Call, patient *domain.Patient) string {
	attempts := call.RetryCount + 1
	return fmt.Sprintf("%s didn't pick up the %s medicine call (%d attempts). Could you remind them to take their medicines?",
		displayName(patient), call.Timing, attempts)
}

// InvalidPhoneAlert asks the payer to fix the patient's number.
func InvalidPhoneAlert(patient *domain.Patient) string {
	return fmt.Sprintf("%s's phone number appears to be invalid. Please update it in the dashboard.", displayName(patient))
}

func htmlBody(text string) string {
	return "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br>") + "</p>"
}
