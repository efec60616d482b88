package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository/memory"
	"github.com/acme/adherence-call-pipeline/internal/service/adherence"
	"github.com/acme/adherence-call-pipeline/internal/service/ingest"
	"github.com/acme/adherence-call-pipeline/internal/telephony/elevenlabs"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

type stubIngest struct {
	bodies [][]byte
	result ingest.Result
	err    error
}

func (s *stubIngest) HandlePostCall(ctx context.Context, body []byte) (ingest.Result, error) {
	s.bodies = append(s.bodies, body)
	return s.result, s.err
}

type stubStatus struct {
	mu   sync.Mutex
	msgs []queue.StatusMessage
	err  error
}

func (s *stubStatus) PublishStatus(ctx context.Context, msg queue.StatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

type harness struct {
	app    *fiber.App
	hs     *HandlerSet
	ingest *stubIngest
	status *stubStatus
	calls  *memory.CallStore
	dir    *memory.Directory
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		ingest: &stubIngest{result: ingest.Result{Received: true}},
		status: &stubStatus{},
		calls:  memory.NewCallStore(),
		dir:    memory.NewDirectory(),
	}
	reg := prometheus.NewRegistry()
	deps := Dependencies{
		Ingest:    h.ingest,
		Status:    h.status,
		Calls:     h.calls,
		Configs:   h.dir.Configs(),
		Adherence: adherence.NewService(h.calls, h.dir.Configs()),
		Gatherer:  reg,
		Metrics:   metrics.NewPipelineMetrics(reg),
		Logger:    logger.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.hs = NewHandlerSet(deps)
	h.app = fiber.New(fiber.Config{ErrorHandler: h.hs.ErrorHandler})
	h.hs.Register(h.app)
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp, body
}

func TestPostCallPassesBodyThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.result = ingest.Result{Received: true, MedicinesProcessed: 2}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/voice/post-call", strings.NewReader(`{"conversation_id":"c1"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, body := h.do(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])
	assert.EqualValues(t, 2, body["medicines_processed"])
	require.Len(t, h.ingest.bodies, 1)
	assert.JSONEq(t, `{"conversation_id":"c1"}`, string(h.ingest.bodies[0]))
}

func TestPostCallErrorsMapToStatusCodes(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:         apperrors.ErrValidation,
		http.StatusServiceUnavailable: apperrors.ErrUnavailable,
		http.StatusConflict:           apperrors.ErrInvalidTransition,
	}
	for code, err := range cases {
		h := newHarness(t, nil)
		h.ingest.err = err
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/voice/post-call", strings.NewReader(`{}`))
		resp, _ := h.do(t, req)
		assert.Equal(t, code, resp.StatusCode, err.Error())
	}
}

func TestPostCallSignature(t *testing.T) {
	const secret = "whsec"
	h := newHarness(t, func(d *Dependencies) {
		d.Webhook = config.WebhookConfig{PostCallSecret: secret, SignatureTolerance: 30 * time.Minute}
	})
	now := time.Unix(1_700_000_000, 0)
	h.hs.now = func() time.Time { return now }

	body := `{"conversation_id":"c1"}`
	ts := strconv.FormatInt(now.Unix(), 10)

	unsigned := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/voice/post-call", strings.NewReader(body))
	resp, _ := h.do(t, unsigned)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, h.ingest.bodies)

	signed := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/voice/post-call", strings.NewReader(body))
	signed.Header.Set(elevenlabs.SignatureHeader, "t="+ts+",v0="+elevenlabs.Sign(secret, ts, []byte(body)))
	resp, _ = h.do(t, signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, h.ingest.bodies, 1)
}

func TestPostCallReachability(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/voice/post-call", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	return req
}

func TestTelephonyStatusFormCallback(t *testing.T) {
	h := newHarness(t, nil)
	callID := uuid.New()

	resp, body := h.do(t, formRequest("/api/v1/webhooks/telephony/status", url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"no-answer"},
		"CustomField":  {callID.String()},
		"CallDuration": {"0"},
	}))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])
	require.Len(t, h.status.msgs, 1)
	msg := h.status.msgs[0]
	assert.Equal(t, callID, msg.CallID)
	assert.Equal(t, "CA123", msg.ProviderCallID)
	assert.Equal(t, "no-answer", msg.Status)
	assert.False(t, msg.OccurredAt.IsZero())
}

func TestTelephonyStatusJSONWithQueryCorrelation(t *testing.T) {
	h := newHarness(t, nil)
	callID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/telephony/status?call_id="+callID.String(),
		strings.NewReader(`{"status":"Failed","error_code":"21217","duration":12}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, _ := h.do(t, req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, h.status.msgs, 1)
	assert.Equal(t, callID, h.status.msgs[0].CallID)
	assert.Equal(t, "failed", h.status.msgs[0].Status)
	assert.Equal(t, "21217", h.status.msgs[0].ErrorCode)
	assert.Equal(t, 12, h.status.msgs[0].DurationSecs)
}

func TestTelephonyStatusRejectsUncorrelatedCallback(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, formRequest("/api/v1/webhooks/telephony/status", url.Values{"CallStatus": {"busy"}}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.status.msgs)
}

func TestTelephonyStatusPublishFailureIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	h.status.err = errors.New("broker down")
	resp, _ := h.do(t, formRequest("/api/v1/webhooks/telephony/status", url.Values{
		"CallSid": {"CA1"}, "CallStatus": {"busy"},
	}))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func twilioSignature(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTelephonyStatusTwilioSignature(t *testing.T) {
	const token = "auth-token"
	h := newHarness(t, func(d *Dependencies) {
		d.Webhook.ValidateTwilioSignature = true
		d.TwilioAuthToken = token
		d.PublicURL = "https://calls.example.org/"
	})
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"busy"}}
	path := "/api/v1/webhooks/telephony/status"

	forged := formRequest(path, form)
	forged.Header.Set(twilioSignatureHeader, "bogus")
	resp, _ := h.do(t, forged)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	signed := formRequest(path, form)
	signed.Header.Set(twilioSignatureHeader, twilioSignature(token, "https://calls.example.org"+path, form))
	resp, _ = h.do(t, signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, h.status.msgs, 1)
}

func TestGetCall(t *testing.T) {
	h := newHarness(t, nil)
	call := &domain.Call{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		Timing:    domain.TimingMorning,
		Status:    domain.CallStatusCompleted,
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineName: "Glycomet", Response: domain.ResponseTaken},
		},
		Transcript: []domain.TranscriptTurn{
			{Role: "agent", Message: "Namaste"},
			{Role: "user", Message: "haan le li"},
		},
	}
	require.NoError(t, h.calls.CreateCall(context.Background(), call))

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+call.ID.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Contains(t, body["transcript_text"], "Patient: haan le li")
	meds := body["medicines"].([]any)
	require.Len(t, meds, 1)
	assert.Equal(t, "taken", meds[0].(map[string]any)["response"])

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/calls/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListPatientCallsPages(t *testing.T) {
	h := newHarness(t, nil)
	patientID := uuid.New()
	base := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.calls.CreateCall(context.Background(), &domain.Call{
			ID: uuid.New(), PatientID: patientID, ScheduledAt: base.Add(time.Duration(i) * time.Hour),
			Status: domain.CallStatusScheduled,
		}))
	}

	target := "/api/v1/patients/" + patientID.String() + "/calls?limit=2"
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["calls"], 2)
	token, _ := body["next_page_token"].(string)
	require.NotEmpty(t, token)

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, target+"&page_token="+token, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["calls"], 1)
	assert.Nil(t, body["next_page_token"])

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, target+"&page_token=@@@", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatientAdherence(t *testing.T) {
	h := newHarness(t, nil)
	patientID := uuid.New()
	h.dir.PutConfig(domain.CallConfiguration{ID: uuid.New(), PatientID: patientID, Timezone: "Asia/Kolkata", Active: true})
	require.NoError(t, h.calls.CreateCall(context.Background(), &domain.Call{
		ID: uuid.New(), PatientID: patientID, Timing: domain.TimingMorning,
		ScheduledAt: time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC),
		Status:      domain.CallStatusCompleted,
		MedicinesChecked: []domain.MedicineCheckEntry{
			{MedicineID: uuid.New(), MedicineName: "Glycomet", Response: domain.ResponseTaken},
		},
	}))

	target := "/api/v1/patients/" + patientID.String() + "/adherence?date=2024-03-04"
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+patientID.String()+"/adherence?date=04-03-2024", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDueConfigs(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.PutConfig(domain.CallConfiguration{
		ID: uuid.New(), PatientID: uuid.New(), MorningCallTime: "08:30", Timezone: "Asia/Kolkata", Active: true,
	})

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/call-configs/due?hour=8&minute=30", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["configs"], 1)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/call-configs/due?hour=25", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Health = map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
		}
	})
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["errors"], "redis")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.hs.deps.Metrics.ObserveWebhook("status", "published")

	resp, err := h.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "adherence_")
}
