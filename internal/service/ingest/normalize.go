package ingest

import (
	"regexp"
	"strings"

	"github.com/acme/adherence-call-pipeline/internal/domain"
)

var wordSplit = regexp.MustCompile(`[^\p{L}\p{N}']+`)

var (
	negators = wordSet("no", "not", "nahi", "nahin", "nhi", "didnt", "didn't", "never")
	missed   = wordSet("missed", "miss", "skipped", "skip", "forgot", "forget", "bhool", "bhooli", "bhoola", "bhoolgaya")
	taken    = wordSet("taken", "take", "took", "yes", "haan", "han", "ha", "haa", "li", "liya", "liye", "le", "kha", "khaya", "khayi", "done")
	checked  = wordSet("yes", "haan", "han", "ha", "haa", "checked", "check", "kiya", "done")
	unwell   = wordSet("kharab", "bura", "bad", "unwell", "sick", "ill", "weak", "dukhi", "pain", "dard")
	goodMood = wordSet("good", "great", "accha", "acha", "achha", "theek", "fine", "badhiya", "happy", "mast")
	okayMood = wordSet("okay", "ok", "thik", "alright", "average", "normal", "chalta")
)

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// canonical returns the value when it already is one of the normalized names.
func canonical(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), " ", "_")
}

func words(value string) []string {
	lower := strings.ToLower(strings.TrimSpace(value))
	return wordSplit.Split(strings.ReplaceAll(lower, "_", " "), -1)
}

func has(set map[string]struct{}, w string) bool {
	_, ok := set[w]
	return ok
}

// signals classifies a phrase. An affirmative word directly after a negator
// ("not taken", "nahi li") counts toward the negative side only.
func signals(value string, affirmative map[string]struct{}) (positive, negative bool) {
	prev := ""
	for _, w := range words(value) {
		if w == "" {
			continue
		}
		switch {
		case has(negators, w), has(missed, w), strings.HasPrefix(w, "bhool"):
			negative = true
		case has(affirmative, w) && !has(negators, prev):
			positive = true
		}
		prev = w
	}
	return positive, negative
}

// NormalizeResponse maps a free-text medicine answer to taken, missed or unclear.
func NormalizeResponse(value string) domain.MedicineResponse {
	switch r := domain.MedicineResponse(canonical(value)); r {
	case domain.ResponseTaken, domain.ResponseMissed, domain.ResponseUnclear:
		return r
	}
	positive, negative := signals(value, taken)
	switch {
	case negative && !positive:
		return domain.ResponseMissed
	case positive && !negative:
		return domain.ResponseTaken
	default:
		return domain.ResponseUnclear
	}
}

// NormalizeVitals maps a vitals answer to yes, no or not_asked.
func NormalizeVitals(value any) domain.VitalsChecked {
	if b, ok := value.(bool); ok {
		if b {
			return domain.VitalsYes
		}
		return domain.VitalsNo
	}
	text := stringOf(value)
	switch v := domain.VitalsChecked(canonical(text)); v {
	case domain.VitalsYes, domain.VitalsNo, domain.VitalsNotAsked:
		return v
	}
	positive, negative := signals(text, checked)
	switch {
	case negative && !positive:
		return domain.VitalsNo
	case positive && !negative:
		return domain.VitalsYes
	default:
		return domain.VitalsNotAsked
	}
}

// NormalizeMood maps a mood answer. Negative phrasing is checked first so "theek nahi" is not_well.
func NormalizeMood(value any) domain.Mood {
	text := stringOf(value)
	switch m := domain.Mood(canonical(text)); m {
	case domain.MoodGood, domain.MoodOkay, domain.MoodNotWell, domain.MoodNotAsked:
		return m
	}
	ws := words(text)
	for _, w := range ws {
		if has(negators, w) || has(unwell, w) {
			return domain.MoodNotWell
		}
	}
	for _, w := range ws {
		if has(goodMood, w) {
			return domain.MoodGood
		}
	}
	for _, w := range ws {
		if has(okayMood, w) {
			return domain.MoodOkay
		}
	}
	return domain.MoodNotAsked
}

// NormalizeComplaints accepts a list or a comma-separated string and drops empty placeholders.
func NormalizeComplaints(value any) []string {
	var parts []string
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range v {
			parts = append(parts, stringOf(item))
		}
	default:
		parts = strings.Split(stringOf(v), ",")
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch strings.ToLower(p) {
		case "", "none", "null":
			continue
		}
		out = append(out, p)
	}
	return out
}
