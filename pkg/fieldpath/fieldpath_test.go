package fieldpath

import "testing"

func TestResolve(t *testing.T) {
	record := map[string]any{
		"id":   float64(42),
		"name": "Acme",
		"owner": map[string]any{
			"id":   "u7",
			"name": "Dana",
		},
		"tags": []any{"vip", "west"},
		"customFields": []any{
			map[string]any{"key": "tier", "value": "gold"},
		},
		"deleted": nil,
		"_info":   `{"lastUpdated":"2024-01-02T03:04:05Z"}`,
		"types":   `[{"name":"Customer"}]`,
		"notes":   "{not json",
	}

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{"top-level scalar", "id", float64(42), true},
		{"top-level string", "name", "Acme", true},
		{"nested map", "owner.id", "u7", true},
		{"slice index", "tags.0", "vip", true},
		{"slice then map", "customFields.0.value", "gold", true},
		{"null leaf present", "deleted", nil, true},
		{"missing key", "owner.email", nil, false},
		{"missing top level", "nope", nil, false},
		{"index out of range", "tags.5", nil, false},
		{"negative index", "tags.-1", nil, false},
		{"non-numeric index", "tags.first", nil, false},
		{"traverse through scalar", "name.first", nil, false},
		{"empty path", "", nil, false},
		{"json object string", "_info.lastUpdated", "2024-01-02T03:04:05Z", true},
		{"json array string", "types.0.name", "Customer", true},
		{"json string leaf stays string", "_info", `{"lastUpdated":"2024-01-02T03:04:05Z"}`, true},
		{"malformed json string", "notes.body", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(record, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolveString(t *testing.T) {
	record := map[string]any{
		"name":  "Acme",
		"count": float64(3),
	}

	if s, ok := ResolveString(record, "name"); !ok || s != "Acme" {
		t.Errorf("ResolveString(name) = %q, %v", s, ok)
	}
	if _, ok := ResolveString(record, "count"); ok {
		t.Error("ResolveString should reject non-string leaves")
	}
	if _, ok := ResolveString(record, "missing"); ok {
		t.Error("ResolveString should reject missing paths")
	}
}
