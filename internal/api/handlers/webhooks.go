package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/telephony/elevenlabs"
	apperrors "github.com/acme/adherence-call-pipeline/pkg/errors"
)

const twilioSignatureHeader = "X-Twilio-Signature"

func (h *HandlerSet) verifyPostCall(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"status":  "ok",
		"message": "post-call webhook endpoint is reachable",
	})
}

func (h *HandlerSet) postCall(ctx *fiber.Ctx) error {
	body := ctx.Body()

	if secret := h.deps.Webhook.PostCallSecret; secret != "" {
		header := ctx.Get(elevenlabs.SignatureHeader)
		if err := elevenlabs.VerifySignature(header, body, secret, h.deps.Webhook.SignatureTolerance, h.now()); err != nil {
			h.deps.Metrics.ObserveWebhook("post_call", "unauthorized")
			h.logger.Warn("post-call signature rejected", zap.Error(err))
			return fiber.NewError(http.StatusUnauthorized, "invalid signature")
		}
	}

	result, err := h.deps.Ingest.HandlePostCall(ctx.UserContext(), body)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(result)
}

func (h *HandlerSet) telephonyStatus(ctx *fiber.Ctx) error {
	params, err := callbackParams(ctx)
	if err != nil {
		h.deps.Metrics.ObserveWebhook("status", "invalid")
		return fiber.NewError(http.StatusBadRequest, "invalid callback body")
	}

	if h.deps.Webhook.ValidateTwilioSignature && h.deps.TwilioAuthToken != "" {
		validator := twilioclient.NewRequestValidator(h.deps.TwilioAuthToken)
		url := strings.TrimRight(h.deps.PublicURL, "/") + ctx.OriginalURL()
		if !validator.Validate(url, params, ctx.Get(twilioSignatureHeader)) {
			h.deps.Metrics.ObserveWebhook("status", "forbidden")
			return fiber.NewError(http.StatusForbidden, "invalid twilio signature")
		}
	}

	msg, err := statusMessage(params, ctx.Query("call_id"))
	if err != nil {
		h.deps.Metrics.ObserveWebhook("status", "invalid")
		return translateError(err)
	}
	msg.OccurredAt = h.now().UTC()

	if err := h.deps.Status.PublishStatus(ctx.UserContext(), msg); err != nil {
		h.logger.Error("publish status callback failed",
			zap.String("provider_call_id", msg.ProviderCallID),
			zap.Error(err),
		)
		return translateError(fmt.Errorf("publish status: %w: %w", apperrors.ErrUnavailable, err))
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}

// callbackParams flattens a form or JSON callback into string parameters.
func callbackParams(ctx *fiber.Ctx) (map[string]string, error) {
	params := make(map[string]string)

	if strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var raw map[string]any
		if err := json.Unmarshal(ctx.Body(), &raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				params[k] = val
			case float64:
				params[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case nil:
			default:
				params[k] = fmt.Sprint(val)
			}
		}
		return params, nil
	}

	ctx.Request().PostArgs().VisitAll(func(key, value []byte) {
		params[string(key)] = string(value)
	})
	return params, nil
}

func first(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(params[k]); v != "" {
			return v
		}
	}
	return ""
}

// statusMessage correlates a callback by custom field, then query parameter, then provider call id.
func statusMessage(params map[string]string, queryCallID string) (queue.StatusMessage, error) {
	msg := queue.StatusMessage{
		ProviderCallID: first(params, "CallSid", "call_sid", "provider_call_id"),
		Status:         strings.ToLower(first(params, "CallStatus", "status", "call_status")),
		ErrorCode:      first(params, "ErrorCode", "error_code"),
		RecordingURL:   first(params, "RecordingUrl", "recording_url"),
	}
	if msg.Status == "" {
		return msg, fmt.Errorf("status callback: %w: missing call status", apperrors.ErrValidation)
	}
	if d := first(params, "CallDuration", "Duration", "duration"); d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			msg.DurationSecs = secs
		}
	}

	for _, candidate := range []string{first(params, "CustomField", "custom_field", "call_id"), queryCallID} {
		if candidate == "" {
			continue
		}
		if id, err := uuid.Parse(candidate); err == nil {
			msg.CallID = id
			break
		}
	}

	if msg.CallID == uuid.Nil && msg.ProviderCallID == "" {
		return msg, fmt.Errorf("status callback: %w: %w", apperrors.ErrValidation, errUncorrelated)
	}
	return msg, nil
}

var errUncorrelated = errors.New("no call id or provider call id")
