package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// WhatsAppSender delivers a text message to a payer's WhatsApp number.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// TwilioWhatsAppSender sends WhatsApp messages through the Twilio REST API.
type TwilioWhatsAppSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioWhatsAppSender validates credentials and builds the sender.
func NewTwilioWhatsAppSender(cfg config.TwilioConfig) (*TwilioWhatsAppSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("notify: twilio account SID and auth token must be provided")
	}
	if cfg.WhatsAppFrom == "" {
		return nil, errors.New("notify: twilio WhatsApp sender number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioWhatsAppSender{client: client, from: whatsappAddress(cfg.WhatsAppFrom)}, nil
}

func (s *TwilioWhatsAppSender) SendMessage(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("notify: twilio send: %w", err)
	}
	return nil
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// StubWhatsAppSender logs instead of sending.
type StubWhatsAppSender struct {
	logger *logger.Logger
}

func NewStubWhatsAppSender(log *logger.Logger) *StubWhatsAppSender {
	return &StubWhatsAppSender{logger: log.Named("whatsapp-stub")}
}

func (s *StubWhatsAppSender) SendMessage(ctx context.Context, to, body string) error {
	s.logger.Info("stub whatsapp sender: would send message", zap.String("to", to), zap.Int("length", len(body)))
	return nil
}
