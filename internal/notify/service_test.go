package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

type sentMessage struct {
	to   string
	body string
}

type fakeWhatsApp struct {
	sent []sentMessage
	err  error
}

func (f *fakeWhatsApp) SendMessage(ctx context.Context, to, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, body: body})
	return nil
}

type fakeEmail struct {
	sent []EmailMessage
}

func (f *fakeEmail) Send(ctx context.Context, msg EmailMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakePayers map[uuid.UUID]*domain.Payer

func (f fakePayers) Get(ctx context.Context, id uuid.UUID) (*domain.Payer, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

type fakePatients map[uuid.UUID]*domain.Patient

func (f fakePatients) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}
func (f fakePatients) MarkPhoneInvalid(context.Context, uuid.UUID, string) error { return nil }
func (f fakePatients) RecordCompletedCall(context.Context, uuid.UUID, time.Time) error { return nil }

type fakeCalls struct {
	repository.CallStore
	calls map[uuid.UUID]*domain.Call
}

func (f fakeCalls) GetCall(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	if c, ok := f.calls[id]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func fixture() (*domain.Patient, *domain.Payer) {
	payer := &domain.Payer{ID: uuid.New(), Name: "Ravi", Phone: "+919800000001", Email: "ravi@example.com"}
	patient := &domain.Patient{ID: uuid.New(), PayerID: payer.ID, PreferredName: "Maa", CallsCompletedCount: 2}
	return patient, payer
}

func TestPostCallReportTemplate(t *testing.T) {
	patient, _ := fixture()
	glucose := 132.0
	call := &domain.Call{
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineName: "Glycomet", Response: domain.ResponseTaken},
			{MedicineName: "Ecosprin", Response: domain.ResponseMissed, IsCritical: true},
			{MedicineName: "Telma", Response: domain.ResponseUnclear},
		},
		Vitals:    &domain.VitalsEntry{Glucose: &glucose, BloodPressure: &domain.BloodPressure{Systolic: 130, Diastolic: 85}},
		MoodNotes: "good",
	}

	report := PostCallReport(call, patient)
	assert.True(t, strings.HasPrefix(report, "Maa's Call Report\n\n"))
	assert.Contains(t, report, "v Glycomet: taken")
	assert.Contains(t, report, "x Ecosprin: missed")
	assert.Contains(t, report, "? Telma: unclear")
	assert.Contains(t, report, "Vitals: Glucose: 132 mg/dL\nBP: 130/85")
	assert.Contains(t, report, "Mood: good")
	assert.Contains(t, report, "⚠ ALERT: Critical medicine missed!")
	assert.Contains(t, report, "Maa's call went well!")

	patient.CallsCompletedCount = 10
	call.MedicinesChecked[1].IsCritical = false
	call.Vitals = nil
	report = PostCallReport(call, patient)
	assert.NotContains(t, report, "ALERT")
	assert.NotContains(t, report, "went well")
	assert.Contains(t, report, "Vitals: Not collected")
}

func TestInvalidPhoneAlertText(t *testing.T) {
	patient, _ := fixture()
	assert.Equal(t, "Maa's phone number appears to be invalid. Please update it in the dashboard.", InvalidPhoneAlert(patient))
}

func TestDeliverSendsOnBothChannels(t *testing.T) {
	patient, payer := fixture()
	call := &domain.Call{ID: uuid.New(), PatientID: patient.ID, Timing: domain.TimingMorning, RetryCount: 2}

	wa := &fakeWhatsApp{}
	mail := &fakeEmail{}
	svc := NewService(
		fakeCalls{calls: map[uuid.UUID]*domain.Call{call.ID: call}},
		fakePatients{patient.ID: patient},
		fakePayers{payer.ID: payer},
		wa, mail, nil, logger.Nop(),
	)

	err := svc.Deliver(context.Background(), queue.NotificationMessage{Kind: queue.NotificationMissedCall, CallID: call.ID})
	require.NoError(t, err)
	require.Len(t, wa.sent, 1)
	assert.Equal(t, payer.Phone, wa.sent[0].to)
	assert.Contains(t, wa.sent[0].body, "3 attempts")
	require.Len(t, mail.sent, 1)
	assert.Equal(t, payer.Email, mail.sent[0].To)
}

func TestDeliverReturnsWhatsAppFailure(t *testing.T) {
	patient, payer := fixture()
	call := &domain.Call{ID: uuid.New(), PatientID: patient.ID}

	svc := NewService(
		fakeCalls{calls: map[uuid.UUID]*domain.Call{call.ID: call}},
		fakePatients{patient.ID: patient},
		fakePayers{payer.ID: payer},
		&fakeWhatsApp{err: errors.New("boom")}, nil, nil, logger.Nop(),
	)

	err := svc.Deliver(context.Background(), queue.NotificationMessage{Kind: queue.NotificationInvalidPhone, CallID: call.ID, PatientID: patient.ID})
	assert.Error(t, err)
}

func TestDeliverRejectsUnknownKind(t *testing.T) {
	patient, payer := fixture()
	call := &domain.Call{ID: uuid.New(), PatientID: patient.ID}
	svc := NewService(
		fakeCalls{calls: map[uuid.UUID]*domain.Call{call.ID: call}},
		fakePatients{patient.ID: patient},
		fakePayers{payer.ID: payer},
		&fakeWhatsApp{}, nil, nil, logger.Nop(),
	)
	assert.Error(t, svc.Deliver(context.Background(), queue.NotificationMessage{Kind: "weekly", CallID: call.ID}))
}
