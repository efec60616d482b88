package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

type callConfigResponse struct {
	ID                uuid.UUID           `json:"id"`
	PatientID         uuid.UUID           `json:"patient_id"`
	MorningCallTime   string              `json:"morning_call_time,omitempty"`
	EveningCallTime   string              `json:"evening_call_time,omitempty"`
	Timezone          string              `json:"timezone"`
	RetryEnabled      bool                `json:"retry_enabled"`
	RetryInterval     int                 `json:"retry_interval_minutes"`
	MaxRetries        int                 `json:"max_retries"`
	RetryableStatuses []domain.CallStatus `json:"retryable_statuses,omitempty"`
}

// dueConfigs lists the active configurations whose stored slot matches hour:minute.
func (h *HandlerSet) dueConfigs(ctx *fiber.Ctx) error {
	hour, err := strconv.Atoi(ctx.Query("hour"))
	if err != nil || hour < 0 || hour > 23 {
		return fiber.NewError(http.StatusBadRequest, "invalid hour")
	}
	minute, err := strconv.Atoi(ctx.Query("minute", "0"))
	if err != nil || minute < 0 || minute > 59 {
		return fiber.NewError(http.StatusBadRequest, "invalid minute")
	}

	configs, err := h.deps.Configs.FindDue(ctx.UserContext(), hour, minute)
	if err != nil {
		return translateError(err)
	}

	out := make([]callConfigResponse, 0, len(configs))
	for _, c := range configs {
		out = append(out, callConfigResponse{
			ID:                c.ID,
			PatientID:         c.PatientID,
			MorningCallTime:   c.MorningCallTime,
			EveningCallTime:   c.EveningCallTime,
			Timezone:          c.Timezone,
			RetryEnabled:      c.Retry.Enabled,
			RetryInterval:     int(c.Retry.Interval().Minutes()),
			MaxRetries:        c.Retry.MaxRetries,
			RetryableStatuses: c.Retry.RetryableStatuses,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"configs": out})
}
