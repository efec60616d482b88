package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/adherence-call-pipeline/internal/telephony"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// Config controls the outbound-call client. Everything is resolved once at startup.
type Config struct {
	BaseURL       string
	APIKey        string
	AgentID       string
	PhoneNumberID string
	WebhookURL    string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Client starts SIP-trunk outbound calls through the conversational agent API.
type Client struct {
	baseURL       string
	apiKey        string
	agentID       string
	phoneNumberID string
	webhookURL    string
	httpClient    *http.Client
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs: API key is required")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, errors.New("elevenlabs: agent id is required")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("elevenlabs: phone number id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		agentID:       cfg.AgentID,
		phoneNumberID: cfg.PhoneNumberID,
		webhookURL:    cfg.WebhookURL,
		httpClient:    httpClient,
	}, nil
}

type outboundCallRequest struct {
	AgentID            string         `json:"agent_id"`
	AgentPhoneNumberID string         `json:"agent_phone_number_id"`
	ToNumber           string         `json:"to_number"`
	ClientData         initiationData `json:"conversation_initiation_client_data"`
}

type initiationData struct {
	Override         configOverride `json:"conversation_config_override"`
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
	TTS   ttsOverride   `json:"tts"`
}

type agentOverride struct {
	FirstMessage string         `json:"first_message"`
	Prompt       promptOverride `json:"prompt"`
	Language     string         `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	Speed float64 `json:"speed"`
}

type outboundCallResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	SIPCallID      string `json:"sip_call_id"`
	CallSID        string `json:"callSid"`
}

// StartCall posts the outbound-call request and returns the provider identifiers.
func (c *Client) StartCall(ctx context.Context, req telephony.StartCallRequest) (telephony.StartCallResult, error) {
	payload := outboundCallRequest{
		AgentID:            c.agentID,
		AgentPhoneNumberID: c.phoneNumberID,
		ToNumber:           req.Phone,
		ClientData: initiationData{
			Override: configOverride{
				Agent: agentOverride{
					FirstMessage: firstMessage(req),
					Prompt:       promptOverride{Prompt: callPrompt(req)},
					Language:     req.Language,
				},
				TTS: ttsOverride{Speed: speechSpeed(req.IsNewPatient)},
			},
			DynamicVariables: map[string]any{
				"patient_name":   req.PatientName,
				"medicines_list": medicinesList(req.Medicines),
				"call_id":        req.CallID.String(),
				"is_new_patient": req.IsNewPatient,
				"has_glucometer": req.HasGlucometer,
				"has_bp_monitor": req.HasBPMonitor,
				"webhook_url":    c.webhookURL,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: marshal outbound call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convai/sip-trunk/outbound-call", bytes.NewReader(body))
	if err != nil {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: outbound call: %w: %v", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: outbound call %d: %w: %s", resp.StatusCode, apperrors.ErrUnavailable, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 300 {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: outbound call %d: %w: %s", resp.StatusCode, telephony.ErrRejected, strings.TrimSpace(string(data)))
	}

	var out outboundCallResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	if !out.Success {
		return telephony.StartCallResult{}, fmt.Errorf("elevenlabs: %w: %s", telephony.ErrRejected, out.Message)
	}

	providerCallID := out.SIPCallID
	if providerCallID == "" {
		providerCallID = out.CallSID
	}
	return telephony.StartCallResult{ConversationID: out.ConversationID, ProviderCallID: providerCallID}, nil
}

func speechSpeed(isNew bool) float64 {
	if isNew {
		return 0.85
	}
	return 0.95
}

func medicinesList(meds []telephony.Medicine) string {
	parts := make([]string, 0, len(meds))
	for _, m := range meds {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Name, m.Timing))
	}
	return strings.Join(parts, ", ")
}

func firstMessage(req telephony.StartCallRequest) string {
	if req.IsNewPatient {
		return fmt.Sprintf("Namaste %s! Main aapki health assistant bol rahi hoon. Aapke ghar walon ne yeh seva shuru ki hai taaki aapki dawai ka dhyan rakha ja sake. Kya aap mujhse baat kar sakti hain?", req.PatientName)
	}
	return fmt.Sprintf("Namaste %s! Kaisi hain aap aaj? Chaliye aapki dawai check karte hain.", req.PatientName)
}

func callPrompt(req telephony.StartCallRequest) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n--- CALL-SPECIFIC DATA ---\n\n")
	fmt.Fprintf(&b, "Patient Name: %s\n", req.PatientName)
	if req.IsNewPatient {
		b.WriteString("Is New Patient: Yes (speak slower, explain the process)\n")
	} else {
		b.WriteString("Is New Patient: No (regular check-in)\n")
	}
	b.WriteString("\nMedicines to check:\n")
	for i, m := range req.Medicines {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, m.Name, m.Timing)
	}
	b.WriteString("\nAsk about each medicine above, one by one. Use the medicine name as provided.")

	var devices []string
	if req.HasGlucometer {
		devices = append(devices, "glucometer (sugar)")
	}
	if req.HasBPMonitor {
		devices = append(devices, "BP monitor")
	}
	if len(devices) > 0 {
		fmt.Fprintf(&b, "\n\nPatient has: %s. Ask if they checked today.", strings.Join(devices, " and "))
	} else {
		b.WriteString("\n\nPatient does NOT have glucometer or BP monitor. Skip vitals question.")
	}
	return b.String()
}

const systemPrompt = `You are a warm, patient health assistant calling an elderly person in India to check on their medicines.
Speak simple Hinglish. Ask one question at a time and wait for the answer.
For every medicine, find out clearly whether it was taken. If the answer is unclear, ask once more, then move on.
Never give medical advice. If the patient reports feeling unwell, note the complaint and tell them their family will be informed.
At the end, ask about their mood and any complaints, then thank them and say goodbye.`
