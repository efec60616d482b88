package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const maxPageSize = 500

func (h *HandlerSet) listPatientCalls(ctx *fiber.Ctx) error {
	patientID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid patient id")
	}

	limit, err := strconv.Atoi(ctx.Query("limit", "100"))
	if err != nil || limit <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var from, to time.Time
	if v := ctx.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid from")
		}
	}
	if v := ctx.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid to")
		}
	}

	pageState, err := decodePageToken(ctx.Query("page_token"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	calls, next, err := h.deps.Calls.ListByPatient(ctx.UserContext(), patientID, from, to, limit, pageState)
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(calls))}
	for i := range calls {
		resp.Calls = append(resp.Calls, toCallResponse(&calls[i]))
	}
	resp.NextPage = encodePageToken(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) patientAdherence(ctx *fiber.Ctx) error {
	patientID, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid patient id")
	}

	date := ctx.Query("date")
	if date == "" {
		date = h.now().UTC().Format("2006-01-02")
	}

	summary, err := h.deps.Adherence.Daily(ctx.UserContext(), patientID, date)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(summary)
}
