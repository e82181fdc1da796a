package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestSplitWindow_TilesWithoutGaps(t *testing.T) {
	windows := SplitWindow(day(1), day(4), 24*time.Hour)

	assert.Len(t, windows, 3)
	for i, w := range windows {
		assert.Equal(t, day(i+1), w.Start)
		assert.Equal(t, day(i+2), w.End)
	}
}

func TestSplitWindow_TruncatesFinalWindow(t *testing.T) {
	end := day(3).Add(6 * time.Hour)
	windows := SplitWindow(day(1), end, 24*time.Hour)

	assert.Len(t, windows, 3)
	assert.Equal(t, day(3), windows[2].Start)
	assert.Equal(t, end, windows[2].End, "last window stops at the range end, not a full chunk later")
}

func TestSplitWindow_EmptyOrInvertedRange(t *testing.T) {
	assert.Nil(t, SplitWindow(day(2), day(2), 24*time.Hour))
	assert.Nil(t, SplitWindow(day(3), day(1), 24*time.Hour))
}

func TestSplitWindow_ZeroChunkSizeIsSingleWindow(t *testing.T) {
	windows := SplitWindow(day(1), day(9), 0)

	assert.Equal(t, []Window{{Start: day(1), End: day(9)}}, windows)
}

func TestChunkID_Deterministic(t *testing.T) {
	w := Window{Start: day(1), End: day(2)}

	id := ChunkID("acme", "service/tickets", w)
	assert.Len(t, id, 16)
	assert.Equal(t, id, ChunkID("acme", "service/tickets", w), "same inputs, same identity")

	// The identity is stable across wall-clock representations of the
	// same instant.
	denver, err := time.LoadLocation("America/Denver")
	if err == nil {
		shifted := Window{Start: w.Start.In(denver), End: w.End.In(denver)}
		assert.Equal(t, id, ChunkID("acme", "service/tickets", shifted))
	}
}

func TestChunkID_SensitiveToEveryInput(t *testing.T) {
	w := Window{Start: day(1), End: day(2)}
	base := ChunkID("acme", "service/tickets", w)

	assert.NotEqual(t, base, ChunkID("globex", "service/tickets", w))
	assert.NotEqual(t, base, ChunkID("acme", "company/companies", w))
	assert.NotEqual(t, base, ChunkID("acme", "service/tickets", Window{Start: day(1), End: day(3)}))
	assert.NotEqual(t, base, ChunkID("acme", "service/tickets", Window{Start: day(2), End: day(2)}))
}

func TestWindow_IsZero(t *testing.T) {
	assert.True(t, Window{}.IsZero())
	assert.False(t, Window{Start: day(1)}.IsZero())
	assert.False(t, Window{End: day(1)}.IsZero())
}
