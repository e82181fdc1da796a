package pipeline

import (
	"context"
	"time"

	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/pkg/apperror"
)

// BackfillRequest replays a historical window for one tenant.
type BackfillRequest struct {
	TenantID string

	// Table optionally narrows the backfill to one endpoint path or
	// canonical table.
	Table string

	Start time.Time

	// End is exclusive; zero means "up to now".
	End time.Time
}

// Backfill runs a backfill job. The window is split into chunk-sized
// pieces and every resulting merge is idempotent, so replaying a range
// the pipeline already ingested only fills gaps.
func (o *Orchestrator) Backfill(ctx context.Context, req BackfillRequest) (*Report, error) {
	w, err := req.window(time.Now().UTC(), o.cfg.Pipeline.WatermarkLag)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, RunOptions{
		RunKind:      state.RunKindBackfill,
		TenantFilter: req.TenantID,
		TableFilter:  req.Table,
		Backfill:     &w,
	})
}

// window normalizes the request: the end defaults to now and is
// clamped behind the watermark lag like any incremental window.
func (r BackfillRequest) window(now time.Time, lag time.Duration) (Window, error) {
	if r.TenantID == "" {
		return Window{}, apperror.New(apperror.KindFatal, "backfill requires a tenant")
	}
	if r.Start.IsZero() {
		return Window{}, apperror.New(apperror.KindFatal, "backfill requires a start time")
	}

	maxEnd := now.Add(-lag)
	end := r.End
	if end.IsZero() || end.After(maxEnd) {
		end = maxEnd
	}
	if !r.Start.Before(end) {
		return Window{}, apperror.Newf(apperror.KindFatal,
			"backfill window [%s, %s) is empty",
			r.Start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return Window{Start: r.Start.UTC(), End: end.UTC()}, nil
}
