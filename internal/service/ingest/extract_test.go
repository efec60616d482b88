package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	return m
}

func TestExtractTopLevelShape(t *testing.T) {
	p := Extract(decode(t, `{
		"conversation_id": "conv_1",
		"conversation_initiation_client_data": {"dynamic_variables": {"call_id": "abc"}},
		"transcript": [{"role": "agent", "message": "Namaste"}, {"role": "user", "message": "haan", "time_in_call_secs": 4}],
		"data_collection": {"mood": "accha"},
		"metadata": {"call_duration_secs": 95}
	}`))

	assert.Equal(t, "conv_1", p.ConversationID)
	assert.Equal(t, "abc", p.CallID)
	assert.Equal(t, 95, p.DurationSecs)
	assert.Equal(t, "accha", p.Data["mood"])
	require.Len(t, p.Transcript, 2)
	assert.Equal(t, 4.0, p.Transcript[1].AtSecs)
	assert.Equal(t, "Assistant: Namaste\nPatient: haan", TranscriptText(p.Transcript))
}

func TestExtractNestedShapeAndUnwrapsValues(t *testing.T) {
	p := Extract(decode(t, `{
		"type": "post_call_transcription",
		"data": {
			"conversation_initiation_client_data": {"dynamic_variables": {
				"system__conversation_id": "conv_2",
				"call_id": "xyz"
			}},
			"analysis": {"data_collection_results": {
				"mood": {"value": "theek", "rationale": "said theek"},
				"vitals_checked": {"value": "no"}
			}},
			"metadata": {"duration": "61"}
		}
	}`))

	assert.Equal(t, "conv_2", p.ConversationID)
	assert.Equal(t, "xyz", p.CallID)
	assert.Equal(t, 61, p.DurationSecs)
	assert.Equal(t, "theek", p.Data["mood"])
	assert.Equal(t, "no", p.Data["vitals_checked"])
}

func TestExtractEmptyBody(t *testing.T) {
	p := Extract(map[string]any{"conversation_id": "", "data": "oops"})
	assert.Empty(t, p.CallID)
	assert.Empty(t, p.ConversationID)
	assert.NotNil(t, p.Data)
}

func entries(names ...string) []domain.MedicineCheckEntry {
	out := make([]domain.MedicineCheckEntry, len(names))
	for i, n := range names {
		out[i] = domain.MedicineCheckEntry{MedicineID: uuid.New(), MedicineName: n, Nickname: n + " wali", Response: domain.ResponsePending}
	}
	return out
}

func TestApplyAnswersMatchingOrder(t *testing.T) {
	es := entries("Glycomet", "Telma", "Ecosprin")
	answers := []medicineAnswer{
		{MedicineID: es[2].MedicineID.String(), Response: domain.ResponseMissed},
		{Name: "telma wali", Response: domain.ResponseTaken},
		{Name: "Unknown Syrup", Response: domain.ResponseTaken},
		{Response: domain.ResponseUnclear},
	}

	matched, changed := applyAnswers(es, answers, time.Now())
	assert.Equal(t, 3, matched)
	assert.Equal(t, 3, changed)
	assert.Equal(t, domain.ResponseUnclear, es[0].Response, "positional answer lands on the first unmatched entry")
	assert.Equal(t, domain.ResponseTaken, es[1].Response)
	assert.Equal(t, domain.ResponseMissed, es[2].Response)
}

func TestApplyAnswersIsIdempotent(t *testing.T) {
	es := entries("Glycomet")
	answers := []medicineAnswer{{MedicineID: es[0].MedicineID.String(), Response: domain.ResponseTaken}}

	_, changed := applyAnswers(es, answers, time.Now())
	assert.Equal(t, 1, changed)

	answers[0].Response = domain.ResponseMissed
	_, changed = applyAnswers(es, answers, time.Now())
	assert.Zero(t, changed)
	assert.Equal(t, domain.ResponseTaken, es[0].Response)
}

func TestMedicineAnswerShapes(t *testing.T) {
	single := medicineAnswers(map[string]any{"medicine_responses": map[string]any{"status": "haan le li"}})
	require.Len(t, single, 1)
	assert.False(t, single[0].named())
	assert.Equal(t, domain.ResponseTaken, single[0].Response)

	list := medicineAnswers(map[string]any{"medicine_responses": "Glycomet: taken, Telma: nahi"})
	require.Len(t, list, 2)
	assert.Equal(t, "Glycomet", list[0].Name)
	assert.Equal(t, domain.ResponseMissed, list[1].Response)

	array := medicineAnswers(map[string]any{"medicine_responses": []any{
		map[string]any{"medicineId": "id-1", "medicineName": "Telma", "response": "yes"},
	}})
	require.Len(t, array, 1)
	assert.Equal(t, "id-1", array[0].MedicineID)
	assert.Equal(t, "Telma", array[0].Name)

	keyed := medicineAnswers(map[string]any{"med_glycomet": "le li", "dawai_1": "nahi", "mood": "good"})
	require.Len(t, keyed, 2)
	assert.Empty(t, keyed[0].Name)
	assert.Equal(t, domain.ResponseMissed, keyed[0].Response)
	assert.Equal(t, "glycomet", keyed[1].Name)
}

func TestVitalsReadings(t *testing.T) {
	v := vitalsFrom(map[string]any{"blood_sugar": "142", "bp": "130/85"}, time.Now())
	require.NotNil(t, v.Glucose)
	assert.Equal(t, 142.0, *v.Glucose)
	require.NotNil(t, v.BloodPressure)
	assert.Equal(t, 130, v.BloodPressure.Systolic)
	assert.Equal(t, 85, v.BloodPressure.Diastolic)
}
