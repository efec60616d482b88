package ingest

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

// Each semantic field is looked up along these paths in order; the first present value wins.
var (
	conversationIDPaths = []string{
		"conversation_id",
		"data.conversation_id",
		"conversation_initiation_client_data.dynamic_variables.system__conversation_id",
		"data.conversation_initiation_client_data.dynamic_variables.system__conversation_id",
	}
	callIDPaths = []string{
		"conversation_initiation_client_data.dynamic_variables.call_id",
		"data.conversation_initiation_client_data.dynamic_variables.call_id",
		"data.dynamic_variables.call_id",
		"dynamic_variables.call_id",
	}
	transcriptPaths = []string{
		"transcript",
		"data.transcript",
	}
	dataCollectionPaths = []string{
		"data_collection",
		"data.data_collection",
		"analysis.data_collection_results",
		"data.analysis.data_collection_results",
	}
	durationPaths = []string{
		"metadata.duration",
		"metadata.call_duration",
		"metadata.call_duration_secs",
		"data.metadata.duration",
		"data.metadata.call_duration",
		"data.metadata.call_duration_secs",
	}
)

// Payload is the provider-agnostic view of a post-call webhook body.
type Payload struct {
	ConversationID string
	CallID         string
	Transcript     []domain.TranscriptTurn
	Data           map[string]any
	DurationSecs   int
}

// Extract pulls the fields the pipeline cares about out of a decoded body. It never fails;
// absent fields stay zero.
func Extract(body map[string]any) Payload {
	var p Payload
	if v, ok := firstPresent(body, conversationIDPaths); ok {
		p.ConversationID = stringOf(v)
	}
	if v, ok := firstPresent(body, callIDPaths); ok {
		p.CallID = strings.TrimSpace(stringOf(v))
	}
	if v, ok := firstPresent(body, transcriptPaths); ok {
		p.Transcript = transcriptTurns(v)
	}
	p.Data = map[string]any{}
	if v, ok := firstPresent(body, dataCollectionPaths); ok {
		if m, ok := v.(map[string]any); ok {
			p.Data = unwrapValues(m)
		}
	}
	if v, ok := firstPresent(body, durationPaths); ok {
		p.DurationSecs, _ = intOf(v)
	}
	return p
}

func firstPresent(body map[string]any, paths []string) (any, bool) {
	for _, path := range paths {
		if v, ok := lookup(body, path); ok {
			return v, true
		}
	}
	return nil, false
}

// lookup walks a dotted path. Nil and empty-string leaves count as absent.
func lookup(body map[string]any, path string) (any, bool) {
	var cur any = body
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	switch v := cur.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false
		}
	}
	return cur, true
}

// unwrapValues flattens analysis results shaped {"value": x, "rationale": ...} to x.
func unwrapValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if inner, ok := v.(map[string]any); ok {
			if value, ok := inner["value"]; ok {
				out[k] = value
				continue
			}
		}
		out[k] = v
	}
	return out
}

func transcriptTurns(v any) []domain.TranscriptTurn {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	turns := make([]domain.TranscriptTurn, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := stringOf(m["message"])
		if msg == "" {
			msg = stringOf(m["text"])
		}
		turn := domain.TranscriptTurn{Role: stringOf(m["role"]), Message: msg}
		if at, ok := m["time_in_call_secs"].(float64); ok {
			turn.AtSecs = at
		}
		turns = append(turns, turn)
	}
	return turns
}

// TranscriptText renders turns as "Assistant:"/"Patient:" lines.
func TranscriptText(turns []domain.TranscriptTurn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		role := "Patient"
		if t.Role == "agent" {
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	return b.String()
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func intOf(v any) (int, bool) {
	f, ok := floatOf(v)
	if !ok {
		return 0, false
	}
	return int(f + 0.5), true
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
