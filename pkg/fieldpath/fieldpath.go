// Package fieldpath resolves dotted paths against decoded JSON records.
//
// Paths address nested maps by key and slices by decimal index:
// "owner.id", "tags.0", "customFields.3.value". A string segment holding
// encoded JSON is decoded and traversal continues, so records read back
// from parquet (which stores nested values as JSON text) resolve the
// same as freshly decoded API responses. Lookup is total; a missing
// segment reports (nil, false) rather than an error so callers can
// distinguish absent from null via the bool.
package fieldpath

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve walks path through record. The returned bool is false when any
// segment is absent or traverses a non-container value.
func Resolve(record map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = record
	for _, seg := range strings.Split(path, ".") {
		if s, ok := current.(string); ok {
			decoded, ok := decodeJSONContainer(s)
			if !ok {
				return nil, false
			}
			current = decoded
		}

		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// ResolveString resolves path and coerces the leaf to a string.
// Non-string leaves report false.
func ResolveString(record map[string]any, path string) (string, bool) {
	v, ok := Resolve(record, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// decodeJSONContainer decodes s when it holds a JSON object or array.
// Plain strings report false without the cost of a parse attempt.
func decodeJSONContainer(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, false
	}
	switch decoded.(type) {
	case map[string]any, []any:
		return decoded, true
	default:
		return nil, false
	}
}
