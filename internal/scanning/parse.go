package scanning

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	maxNotes      = 10
	maxTamperTags = 8

	// NoteUnparsable is attached to the fallback receipt when the model
	// output held no usable JSON object.
	NoteUnparsable = "could not parse extraction output"
)

// fieldAliases lists the keys accepted for each field. Models drift
// between snake_case and camelCase.
var fieldAliases = map[string][]string{
	"amount":         {"amount", "monto", "valor"},
	"date":           {"date", "fecha"},
	"time":           {"time", "hora"},
	"reference":      {"reference", "referencia"},
	"transaction_id": {"transaction_id", "transactionId"},
	"channel":        {"channel", "bank", "banco"},
	"to_name":        {"to_name", "toName"},
	"to_account":     {"to_account", "toAccount"},
	"from_account":   {"from_account", "fromAccount"},
	"status_label":   {"status_label", "statusLabel"},
	"qr_present":     {"qr_present", "qrPresent"},
	"tamper_signal":  {"tamper_signal", "tamperSignal"},
}

// ParseExtraction recovers an ExtractedReceipt from raw model text. The
// text may be wrapped in markdown fences or surrounded by prose; the first
// balanced {...} block is used. It never fails: unusable output yields
// an Unreadable receipt.
func ParseExtraction(text string) *ExtractedReceipt {
	block, ok := firstJSONObject(stripFences(text))
	if !ok {
		return Unreadable(NoteUnparsable)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return Unreadable(NoteUnparsable)
	}
	return normalize(raw)
}

// stripFences removes markdown code fences anywhere in the text.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "```")
	text = strings.ReplaceAll(text, "```JSON", "```")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// firstJSONObject returns the first brace-balanced object in text, skipping
// braces inside string literals.
func firstJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// normalize coerces an arbitrary decoded object into the receipt shape.
// Unknown shapes become null fields.
func normalize(raw map[string]any) *ExtractedReceipt {
	overall := toConfidence(raw["confidence"])
	r := &ExtractedReceipt{
		Amount:        stringGuess(lookup(raw, "amount"), overall),
		Date:          stringGuess(lookup(raw, "date"), overall),
		Time:          stringGuess(lookup(raw, "time"), overall),
		Reference:     stringGuess(lookup(raw, "reference"), overall),
		TransactionID: stringGuess(lookup(raw, "transaction_id"), overall),
		Channel:       stringGuess(lookup(raw, "channel"), overall),
		ToName:        stringGuess(lookup(raw, "to_name"), overall),
		ToAccount:     stringGuess(lookup(raw, "to_account"), overall),
		FromAccount:   stringGuess(lookup(raw, "from_account"), overall),
		StatusLabel:   stringGuess(lookup(raw, "status_label"), overall),
		QRPresent:     boolGuess(lookup(raw, "qr_present"), overall),
		Confidence:    overall,
		TamperSignal:  tamperSignal(lookup(raw, "tamper_signal")),
		Notes:         stringList(raw["notes"], maxNotes),
	}
	return r
}

func lookup(raw map[string]any, field string) any {
	for _, key := range fieldAliases[field] {
		if v, ok := raw[key]; ok {
			return v
		}
	}
	return nil
}

// unwrap splits a {"value","confidence","reason"} object. A bare scalar is
// taken as the value with the overall confidence.
func unwrap(v any, overall float64) (value any, confidence float64, reason string) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, overall, ""
	}
	reason, _ = m["reason"].(string)
	return m["value"], toConfidence(m["confidence"]), strings.TrimSpace(reason)
}

func stringGuess(v any, overall float64) FieldGuess[string] {
	value, confidence, reason := unwrap(v, overall)

	var s string
	switch t := value.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			break
		}
		if t == math.Trunc(t) {
			s = strconv.FormatInt(int64(t), 10)
		} else {
			s = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	if s == "" || strings.EqualFold(s, "null") {
		return FieldGuess[string]{Reason: reason}
	}
	return FieldGuess[string]{Value: &s, Confidence: confidence, Reason: reason}
}

func boolGuess(v any, overall float64) FieldGuess[bool] {
	value, confidence, reason := unwrap(v, overall)

	var b bool
	switch t := value.(type) {
	case bool:
		b = t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "si", "sí":
			b = true
		case "false", "no":
			b = false
		default:
			return FieldGuess[bool]{Reason: reason}
		}
	default:
		return FieldGuess[bool]{Reason: reason}
	}
	return FieldGuess[bool]{Value: &b, Confidence: confidence, Reason: reason}
}

func tamperSignal(v any) TamperSignal {
	m, ok := v.(map[string]any)
	if !ok {
		return TamperSignal{Tags: []string{}}
	}
	suspected, _ := m["suspected"].(bool)
	return TamperSignal{
		Suspected: suspected,
		Score:     toConfidence(m["score"]),
		Tags:      stringList(m["tags"], maxTamperTags),
	}
}

func toConfidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func stringList(v any, limit int) []string {
	out := []string{}
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
