package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Transform names accepted in mapping documents. The set is closed:
// documents naming anything else are rejected at load time so a typo
// can never silently null a column at runtime.
const (
	TransformIdentity       = "identity"
	TransformLowercase      = "lowercase"
	TransformISODatetime    = "iso_datetime"
	TransformHashSHA256     = "hash_sha256"
	TransformBoolFromString = "bool_from_string"
)

type transformFunc func(v any) (any, error)

var transforms = map[string]transformFunc{
	TransformIdentity:       transformIdentity,
	TransformLowercase:      transformLowercase,
	TransformISODatetime:    transformISODatetime,
	TransformHashSHA256:     transformHashSHA256,
	TransformBoolFromString: transformBoolFromString,
}

// KnownTransform reports whether name is in the closed transform set.
// An empty name means identity.
func KnownTransform(name string) bool {
	if name == "" {
		return true
	}
	_, ok := transforms[name]
	return ok
}

// ApplyTransform runs one named transform. A nil input passes through
// untouched so required-field checks stay the projector's concern.
func ApplyTransform(name string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if name == "" {
		name = TransformIdentity
	}
	fn, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return fn(v)
}

func transformIdentity(v any) (any, error) {
	return v, nil
}

func transformLowercase(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("lowercase needs a string, got %T", v)
	}
	return strings.ToLower(s), nil
}

// sourceTimeLayouts covers the timestamp shapes the cataloged services
// emit, most specific first.
var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func transformISODatetime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range sourceTimeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unparseable datetime %q", t)
	default:
		return nil, fmt.Errorf("iso_datetime needs a string, got %T", v)
	}
}

func transformHashSHA256(v any) (any, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

func transformBoolFromString(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("unparseable boolean %q", t)
	case float64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
		return nil, fmt.Errorf("unparseable boolean %v", t)
	case int64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
		return nil, fmt.Errorf("unparseable boolean %v", t)
	default:
		return nil, fmt.Errorf("bool_from_string needs a string or bool, got %T", v)
	}
}

// ParseSourceTime is the shared datetime parser for values that carry
// source timestamps outside a transform (incremental fields, cursors).
func ParseSourceTime(s string) (time.Time, bool) {
	for _, layout := range sourceTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// Stringify renders a scalar the way text columns store it. Floats that
// carry integers print without the fraction so JSON-decoded ids ("42"
// arriving as 42.0) stay stable.
func Stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}
