package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RejectLine is one record the transform phase refused, paired with
// the reason, kept replayable after a mapping fix.
type RejectLine struct {
	Raw    map[string]any `json:"raw"`
	Reason string         `json:"reason"`
}

// RejectWriter accumulates reject lines as JSONL.
type RejectWriter struct {
	buf   bytes.Buffer
	count int
}

// NewRejectWriter returns an empty writer.
func NewRejectWriter() *RejectWriter {
	return &RejectWriter{}
}

// Add appends one rejected record.
func (w *RejectWriter) Add(raw map[string]any, reason string) error {
	line, err := json.Marshal(RejectLine{Raw: raw, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to encode reject line: %w", err)
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	w.count++
	return nil
}

// Count reports how many records were rejected.
func (w *RejectWriter) Count() int {
	return w.count
}

// Bytes returns the JSONL document.
func (w *RejectWriter) Bytes() []byte {
	return w.buf.Bytes()
}
