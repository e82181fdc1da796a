package pipeline

import (
	"context"
	"sync"
)

// runBounded runs fn for every item with at most limit in flight.
// Cancelling ctx stops launching new work; items never dispatched keep
// their zero result so callers can tell them apart from completed ones.
func runBounded[T any](ctx context.Context, limit int, items []T, fn func(i int, item T)) {
	if limit < 1 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i, item)
		}()
	}
	wg.Wait()
}
