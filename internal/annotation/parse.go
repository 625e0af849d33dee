package annotation

import (
	"encoding/json"
	"math"
	"strings"
)

// ParseResponse extracts a JSON object from free-form model text.
//
// It tries the greedy span from the first '{' to the last '}', then the whole text.
// It never fails: unusable text yields an empty map.
func ParseResponse(raw string) map[string]any {
	if first, last := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); first >= 0 && last > first {
		if obj, ok := decodeObject(raw[first : last+1]); ok {
			return obj
		}
	}
	if obj, ok := decodeObject(raw); ok {
		return obj
	}
	return map[string]any{}
}

func decodeObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Candidate is a raw span proposal read from model output.
type Candidate struct {
	Text      string
	Start     int
	End       int
	Label     string
	Reasoning string
}

// Candidates reads the list under key. Entries that are not objects are skipped;
// missing offsets default to start 0 and end len(text).
func Candidates(parsed map[string]any, key string) []Candidate {
	items, _ := parsed[key].([]any)
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text := StringField(obj, "text")
		label := StringField(obj, "label")
		if label == "" {
			label = "unknown"
		}
		out = append(out, Candidate{
			Text:      text,
			Start:     IntField(obj, "start", 0),
			End:       IntField(obj, "end", len(text)),
			Label:     label,
			Reasoning: StringField(obj, "reasoning"),
		})
	}
	return out
}

// Objects returns the object entries of the list under key.
func Objects(parsed map[string]any, key string) []map[string]any {
	items, _ := parsed[key].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// StringField returns m[key] when it is a string, otherwise "".
func StringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// IntField returns m[key] when it is a finite JSON number, otherwise def.
func IntField(m map[string]any, key string, def int) int {
	f, ok := m[key].(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return int(f)
}
