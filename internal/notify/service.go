package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// Service renders payer notifications and fans them out to WhatsApp and email.
type Service struct {
	calls    repository.CallStore
	patients repository.PatientStore
	payers   repository.PayerStore
	whatsapp WhatsAppSender
	email    EmailSender
	metrics  *metrics.PipelineMetrics
	logger   *logger.Logger
}

// NewService wires the notification service. email may be nil.
func NewService(
	calls repository.CallStore,
	patients repository.PatientStore,
	payers repository.PayerStore,
	whatsapp WhatsAppSender,
	email EmailSender,
	m *metrics.PipelineMetrics,
	log *logger.Logger,
) *Service {
	return &Service{
		calls:    calls,
		patients: patients,
		payers:   payers,
		whatsapp: whatsapp,
		email:    email,
		metrics:  m,
		logger:   log.Named("notify"),
	}
}

// Deliver loads the call and patient named by msg and sends the matching notification.
func (s *Service) Deliver(ctx context.Context, msg queue.NotificationMessage) error {
	call, err := s.calls.GetCall(ctx, msg.CallID)
	if err != nil {
		return fmt.Errorf("notify: load call %s: %w", msg.CallID, err)
	}
	patientID := msg.PatientID
	if patientID == uuid.Nil {
		patientID = call.PatientID
	}
	patient, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return fmt.Errorf("notify: load patient %s: %w", patientID, err)
	}

	switch msg.Kind {
	case queue.NotificationPostCallReport:
		return s.SendPostCallReport(ctx, call, patient)
	case queue.NotificationMissedCall:
		return s.SendMissedCallAlert(ctx, call, patient)
	case queue.NotificationInvalidPhone:
		return s.SendInvalidPhoneAlert(ctx, call, patient)
	default:
		return fmt.Errorf("notify: unknown notification kind %q", msg.Kind)
	}
}

// SendPostCallReport tells the payer how the completed call went.
func (s *Service) SendPostCallReport(ctx context.Context, call *domain.Call, patient *domain.Patient) error {
	body := PostCallReport(call, patient)
	return s.send(ctx, string(queue.NotificationPostCallReport), patient, displayName(patient)+"'s Call Report", body)
}

// SendMissedCallAlert tells the payer the patient could not be reached after every retry.
func (s *Service) SendMissedCallAlert(ctx context.Context, call *domain.Call, patient *domain.Patient) error {
	body := MissedCallAlert(call, patient)
	return s.send(ctx, string(queue.NotificationMissedCall), patient, "Missed medicine call for "+displayName(patient), body)
}

// SendInvalidPhoneAlert asks the payer to correct a number the carrier rejected.
func (s *Service) SendInvalidPhoneAlert(ctx context.Context, call *domain.Call, patient *domain.Patient) error {
	body := InvalidPhoneAlert(patient)
	return s.send(ctx, string(queue.NotificationInvalidPhone), patient, "Please update "+displayName(patient)+"'s phone number", body)
}

// send delivers on every channel the payer has. WhatsApp failures are returned; email is best effort.
func (s *Service) send(ctx context.Context, kind string, patient *domain.Patient, subject, body string) error {
	log := s.logger.WithContext(ctx).With(zap.String("kind", kind), zap.String("patient_id", patient.ID.String()))

	payer, err := s.payers.Get(ctx, patient.PayerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("notify: payer missing, dropping notification")
			s.metrics.ObserveNotification(kind, "none", "skipped")
			return nil
		}
		return fmt.Errorf("notify: load payer: %w", err)
	}

	var sendErr error
	if payer.Phone != "" && s.whatsapp != nil {
		if err := s.whatsapp.SendMessage(ctx, payer.Phone, body); err != nil {
			s.metrics.ObserveNotification(kind, "whatsapp", "failed")
			sendErr = err
		} else {
			s.metrics.ObserveNotification(kind, "whatsapp", "sent")
		}
	}

	if payer.Email != "" && s.email != nil {
		if err := s.email.Send(ctx, EmailMessage{To: payer.Email, ToName: payer.Name, Subject: subject, Body: body}); err != nil {
			s.metrics.ObserveNotification(kind, "email", "failed")
			log.Warn("notify: email copy failed", zap.Error(err))
		} else {
			s.metrics.ObserveNotification(kind, "email", "sent")
		}
	}

	if sendErr != nil {
		return sendErr
	}
	log.Info("notification sent")
	return nil
}
