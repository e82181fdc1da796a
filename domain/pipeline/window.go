package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Window is a half-open [Start, End) slice of source time. Chunk
// windows tile a sync range without gaps or overlaps so that re-runs
// of the same range reproduce the same chunk IDs.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// ChunkID derives the deterministic chunk identity for a tenant,
// endpoint path, and window. Equal inputs always hash to the same ID,
// which is what lets a resumed run claim the chunk a crashed run left
// behind.
func ChunkID(tenantID, path string, w Window) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(w.Start.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(w.End.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SplitWindow tiles [start, end) into consecutive windows of at most
// chunkSize. The final window is truncated to end. An empty or
// inverted range yields no windows.
func SplitWindow(start, end time.Time, chunkSize time.Duration) []Window {
	if !start.Before(end) {
		return nil
	}
	if chunkSize <= 0 {
		return []Window{{Start: start, End: end}}
	}

	var windows []Window
	for cursor := start; cursor.Before(end); {
		next := cursor.Add(chunkSize)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cursor, End: next})
		cursor = next
	}
	return windows
}
