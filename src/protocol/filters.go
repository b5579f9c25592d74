package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// PayloadFields decodes an event payload into its top-level fields.
// Non-object payloads yield an empty map, so every filter fails closed.
func PayloadFields(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return map[string]any{}
	}
	return fields
}

// Satisfies reports whether fields meet every filter. A filter key that
// is missing or null in fields fails the match; an empty filter set
// matches anything.
func Satisfies(fields map[string]any, filters map[string]string) bool {
	for key, want := range filters {
		got, ok := fields[key]
		if !ok || got == nil {
			return false
		}
		if filterValue(got) != want {
			return false
		}
	}
	return true
}

// filterValue renders a payload value the way a filter string spells it.
func filterValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
