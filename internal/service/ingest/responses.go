package ingest

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

// medicineAnswer is one medicine response reported by the voice agent.
// An answer with no id, name or nickname is applied positionally.
type medicineAnswer struct {
	MedicineID string
	Name       string
	Nickname   string
	Response   domain.MedicineResponse
}

func (a medicineAnswer) named() bool {
	return a.MedicineID != "" || a.Name != "" || a.Nickname != ""
}

var keyNoise = wordSet("medicine", "medicines", "med", "meds", "dawai", "dawa", "status", "response", "responses", "taken")

// medicineAnswers reads answers from medicine_responses, falling back to any
// medicine-looking key of the extracted data.
func medicineAnswers(data map[string]any) []medicineAnswer {
	var answers []medicineAnswer
	switch v := data["medicine_responses"].(type) {
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				answers = append(answers, answerFromObject(it))
			case string:
				answers = append(answers, answerList(it)...)
			}
		}
	case map[string]any:
		if _, ok := v["status"]; ok {
			answers = append(answers, answerFromObject(v))
		} else if _, ok := v["response"]; ok {
			answers = append(answers, answerFromObject(v))
		} else {
			for _, k := range sortedKeys(v) {
				answers = append(answers, medicineAnswer{Name: k, Response: NormalizeResponse(stringOf(v[k]))})
			}
		}
	case string:
		answers = answerList(v)
	}
	if len(answers) > 0 {
		return answers
	}

	for _, k := range sortedKeys(data) {
		if k == "medicine_responses" {
			continue
		}
		if !strings.Contains(k, "medicine") && !strings.Contains(k, "med_") && !strings.Contains(k, "dawai") {
			continue
		}
		answers = append(answers, medicineAnswer{Name: nameFromKey(k), Response: NormalizeResponse(stringOf(data[k]))})
	}
	return answers
}

func answerFromObject(m map[string]any) medicineAnswer {
	first := func(keys ...string) string {
		for _, k := range keys {
			if s := strings.TrimSpace(stringOf(m[k])); s != "" {
				return s
			}
		}
		return ""
	}
	return medicineAnswer{
		MedicineID: first("medicine_id", "medicineId"),
		Name:       first("medicine_name", "medicineName", "name"),
		Nickname:   first("nickname"),
		Response:   NormalizeResponse(first("status", "response")),
	}
}

// answerList parses "name:status, name:status". Parts without a colon are positional.
func answerList(s string) []medicineAnswer {
	var out []medicineAnswer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, status, found := strings.Cut(part, ":")
		if !found {
			out = append(out, medicineAnswer{Response: NormalizeResponse(part)})
			continue
		}
		out = append(out, medicineAnswer{Name: strings.TrimSpace(name), Response: NormalizeResponse(status)})
	}
	return out
}

// nameFromKey turns "med_glycomet_status" into "glycomet". Generic keys such as "medicine_1" yield "".
func nameFromKey(key string) string {
	var kept []string
	for _, part := range strings.Split(strings.ToLower(key), "_") {
		if part == "" || has(keyNoise, part) {
			continue
		}
		if _, err := strconv.Atoi(part); err == nil {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, " ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyAnswers resolves entries in place: by medicine id, then by name or nickname,
// then positionally onto the next unmatched pending entry. Named answers with no
// match are dropped. It returns how many answers matched and how many entries changed.
func applyAnswers(entries []domain.MedicineCheckEntry, answers []medicineAnswer, at time.Time) (matched, changed int) {
	used := make([]bool, len(entries))
	for _, a := range answers {
		idx := -1
		if a.MedicineID != "" {
			if id, err := uuid.Parse(a.MedicineID); err == nil {
				idx = find(entries, used, func(e domain.MedicineCheckEntry) bool { return e.MedicineID == id })
			}
		}
		if idx < 0 && (a.Name != "" || a.Nickname != "") {
			idx = find(entries, used, func(e domain.MedicineCheckEntry) bool { return sameMedicine(e, a) })
		}
		if idx < 0 && !a.named() {
			for i := range entries {
				if !used[i] && entries[i].Response == domain.ResponsePending {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			continue
		}
		used[idx] = true
		matched++
		if entries[idx].Resolve(a.Response, at) {
			changed++
		}
	}
	return matched, changed
}

// find prefers an entry not yet matched in this delivery.
func find(entries []domain.MedicineCheckEntry, used []bool, match func(domain.MedicineCheckEntry) bool) int {
	fallback := -1
	for i, e := range entries {
		if !match(e) {
			continue
		}
		if !used[i] {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

func sameMedicine(e domain.MedicineCheckEntry, a medicineAnswer) bool {
	for _, want := range []string{a.Name, a.Nickname} {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if strings.EqualFold(want, e.MedicineName) || (e.Nickname != "" && strings.EqualFold(want, e.Nickname)) {
			return true
		}
	}
	return false
}

// vitalsFrom reads optional glucose and blood pressure readings.
func vitalsFrom(data map[string]any, at time.Time) *domain.VitalsEntry {
	v := &domain.VitalsEntry{CapturedAt: at}
	for _, k := range []string{"glucose", "blood_sugar", "glucose_reading", "sugar_level"} {
		if f, ok := floatOf(data[k]); ok && f > 0 {
			v.Glucose = &f
			break
		}
	}
	for _, k := range []string{"blood_pressure", "bp", "bp_reading"} {
		if bp := bloodPressure(data[k]); bp != nil {
			v.BloodPressure = bp
			break
		}
	}
	return v
}

func bloodPressure(value any) *domain.BloodPressure {
	switch t := value.(type) {
	case map[string]any:
		sys, ok1 := intOf(t["systolic"])
		dia, ok2 := intOf(t["diastolic"])
		if ok1 && ok2 {
			return &domain.BloodPressure{Systolic: sys, Diastolic: dia}
		}
	case string:
		s, d, ok := strings.Cut(t, "/")
		if !ok {
			return nil
		}
		sys, err1 := strconv.Atoi(strings.TrimSpace(s))
		dia, err2 := strconv.Atoi(strings.TrimSpace(d))
		if err1 == nil && err2 == nil {
			return &domain.BloodPressure{Systolic: sys, Diastolic: dia}
		}
	}
	return nil
}
