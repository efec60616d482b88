package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/service/ingest"
)

type callResponse struct {
	ID                     uuid.UUID                   `json:"id"`
	PatientID              uuid.UUID                   `json:"patient_id"`
	PayerID                uuid.UUID                   `json:"payer_id"`
	Timing                 domain.Timing               `json:"timing"`
	Status                 domain.CallStatus           `json:"status"`
	ScheduledAt            time.Time                   `json:"scheduled_at"`
	InitiatedAt            *time.Time                  `json:"initiated_at,omitempty"`
	AnsweredAt             *time.Time                  `json:"answered_at,omitempty"`
	EndedAt                *time.Time                  `json:"ended_at,omitempty"`
	DurationSecs           int                         `json:"duration_secs"`
	RetryCount             int                         `json:"retry_count"`
	IsRetry                bool                        `json:"is_retry"`
	OriginalCallID         *uuid.UUID                  `json:"original_call_id,omitempty"`
	Medicines              []domain.MedicineCheckEntry `json:"medicines"`
	Vitals                 *domain.VitalsEntry         `json:"vitals,omitempty"`
	VitalsChecked          domain.VitalsChecked        `json:"vitals_checked,omitempty"`
	Mood                   string                      `json:"mood,omitempty"`
	Complaints             []string                    `json:"complaints,omitempty"`
	ProviderCallID         string                      `json:"provider_call_id,omitempty"`
	ProviderConversationID string                      `json:"provider_conversation_id,omitempty"`
	RecordingURL           string                      `json:"recording_url,omitempty"`
	TranscriptRef          string                      `json:"transcript_ref,omitempty"`
	TranscriptText         string                      `json:"transcript_text,omitempty"`
	IsFirstCall            bool                        `json:"is_first_call"`
	LastError              *string                     `json:"last_error,omitempty"`
	CreatedAt              time.Time                   `json:"created_at"`
	UpdatedAt              time.Time                   `json:"updated_at"`
}

type listCallsResponse struct {
	Calls    []callResponse `json:"calls"`
	NextPage string         `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.deps.Calls.GetCall(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func toCallResponse(call *domain.Call) callResponse {
	medicines := call.MedicinesChecked
	if medicines == nil {
		medicines = []domain.MedicineCheckEntry{}
	}
	return callResponse{
		ID:                     call.ID,
		PatientID:              call.PatientID,
		PayerID:                call.PayerID,
		Timing:                 call.Timing,
		Status:                 call.Status,
		ScheduledAt:            call.ScheduledAt,
		InitiatedAt:            call.InitiatedAt,
		AnsweredAt:             call.AnsweredAt,
		EndedAt:                call.EndedAt,
		DurationSecs:           call.DurationSecs,
		RetryCount:             call.RetryCount,
		IsRetry:                call.IsRetry,
		OriginalCallID:         call.OriginalCallID,
		Medicines:              medicines,
		Vitals:                 call.Vitals,
		VitalsChecked:          call.VitalsChecked,
		Mood:                   call.MoodNotes,
		Complaints:             call.Complaints,
		ProviderCallID:         call.ProviderCallID,
		ProviderConversationID: call.ProviderConversationID,
		RecordingURL:           call.RecordingURL,
		TranscriptRef:          call.TranscriptRef,
		TranscriptText:         ingest.TranscriptText(call.Transcript),
		IsFirstCall:            call.IsFirstCall,
		LastError:              call.LastError,
		CreatedAt:              call.CreatedAt,
		UpdatedAt:              call.UpdatedAt,
	}
}
