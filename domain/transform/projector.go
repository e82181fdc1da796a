// Package transform turns raw landed records into canonical SCD-2 rows:
// projection through the mapping documents, reject collection, batch
// dedup and the merge against the canonical store.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/pkg/fieldpath"
)

// Projected is one raw record mapped onto a canonical row shape.
type Projected struct {
	ID          string
	SourceID    string
	LastUpdated time.Time
	Fields      map[string]any
	DataHash    string
}

// Reject is a record the projector refused, kept with its reason so a
// mapping fix can replay it.
type Reject struct {
	Raw    map[string]any
	Reason string
}

// Projector applies one resolved table mapping to raw records.
type Projector struct {
	tm *mapping.TableMapping
}

// NewProjector builds a projector for one service endpoint's mapping.
func NewProjector(tm *mapping.TableMapping) *Projector {
	return &Projector{tm: tm}
}

// Project maps a raw record to a canonical row shape. fallbackTS fills
// last_updated for sources that do not carry a usable change timestamp.
// Exactly one of the results is non-nil.
func (p *Projector) Project(raw map[string]any, fallbackTS time.Time) (*Projected, *Reject) {
	values := make(map[string]any, len(p.tm.Fields))
	for _, fm := range p.tm.Fields {
		v, ok := fieldpath.Resolve(raw, fm.SourcePath)
		if !ok || v == nil {
			if fm.Required {
				return nil, &Reject{Raw: raw, Reason: fmt.Sprintf("required field %s missing", fm.CanonicalField)}
			}
			continue
		}
		tv, err := mapping.ApplyTransform(fm.Transform, v)
		if err != nil {
			return nil, &Reject{Raw: raw, Reason: fmt.Sprintf("field %s: %v", fm.CanonicalField, err)}
		}
		values[fm.CanonicalField] = tv
	}

	id, sourceID, rej := p.naturalKey(raw, values)
	if rej != nil {
		return nil, rej
	}

	lastUpdated, rej := p.lastUpdated(raw, values, fallbackTS)
	if rej != nil {
		return nil, rej
	}

	// id and last_updated are lineage columns, not business fields.
	fields := make(map[string]any, len(values))
	for name, v := range values {
		if name == "id" || name == "last_updated" {
			continue
		}
		fields[name] = v
	}

	normalized, err := columnstore.NormalizeRow(p.tm.CanonicalTable, fields)
	if err != nil {
		return nil, &Reject{Raw: raw, Reason: err.Error()}
	}

	hash, err := ComputeDataHash(id, normalized)
	if err != nil {
		return nil, &Reject{Raw: raw, Reason: fmt.Sprintf("hashing record: %v", err)}
	}

	return &Projected{
		ID:          id,
		SourceID:    sourceID,
		LastUpdated: lastUpdated,
		Fields:      normalized,
		DataHash:    hash,
	}, nil
}

// naturalKey builds the canonical entity id from the mapped natural key
// fields. Multi-part keys join with "|".
func (p *Projector) naturalKey(raw, values map[string]any) (id, sourceID string, rej *Reject) {
	parts := make([]string, 0, len(p.tm.NaturalKey))
	for _, key := range p.tm.NaturalKey {
		v, ok := values[key]
		if !ok || v == nil {
			return "", "", &Reject{Raw: raw, Reason: fmt.Sprintf("natural key field %s missing", key)}
		}
		s, ok := mapping.Stringify(v)
		if !ok || s == "" {
			return "", "", &Reject{Raw: raw, Reason: fmt.Sprintf("natural key field %s is not a scalar", key)}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), parts[0], nil
}

// lastUpdated pulls the mapped change timestamp, falling back to the
// blob's ingestion time when the mapping carries none. Times truncate
// to microseconds to survive the timestamptz round trip.
func (p *Projector) lastUpdated(raw, values map[string]any, fallbackTS time.Time) (time.Time, *Reject) {
	v, ok := values["last_updated"]
	if !ok || v == nil {
		return fallbackTS.UTC().Truncate(time.Microsecond), nil
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Truncate(time.Microsecond), nil
	case string:
		if ts, ok := mapping.ParseSourceTime(t); ok {
			return ts.Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, &Reject{Raw: raw, Reason: fmt.Sprintf("unusable last_updated value %v", v)}
}

// ComputeDataHash hashes the business content of a canonical row. The
// change timestamp stays out of the hash so touch-only updates merge as
// no-ops. Map marshaling sorts keys, keeping the hash order-free.
func ComputeDataHash(id string, fields map[string]any) (string, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["id"] = id

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
