package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/fieldpath"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
	"github.com/avesa-io/avesa/pkg/tracing"
)

// ChunkRun carries everything one chunk execution needs. The chunk row
// itself must already exist; Run claims it before doing any work.
type ChunkRun struct {
	JobID       string
	TenantID    string
	Endpoint    catalog.Endpoint
	Connector   connector.Connector
	Credentials secrets.Credentials
	Window      Window
	ChunkID     string
	PageSize    int
}

// ChunkProcessor executes single chunks: claim the row, fetch the
// window page by page, land the records as one parquet object, and
// record the terminal outcome. Terminal marks run on a detached
// context so an expired chunk budget cannot block writing the outcome.
type ChunkProcessor struct {
	state state.Store
	blobs blob.Store
	retry RetryPolicy
	cfg   *config.Config
	log   *slog.Logger
}

// NewChunkProcessor builds the chunk execution tier.
func NewChunkProcessor(st state.Store, blobs blob.Store, cfg *config.Config, log *slog.Logger) *ChunkProcessor {
	return &ChunkProcessor{
		state: st,
		blobs: blobs,
		retry: newRetryPolicy(cfg.Pipeline.ChunkMaxAttempts, cfg.Pipeline.RetryBaseDelay, cfg.Pipeline.RetryMaxDelay),
		cfg:   cfg,
		log:   log.With(logger.Scope("pipeline.chunk")),
	}
}

// chunkOutcome is what one execution attempt produced before marking.
type chunkOutcome struct {
	writer  *blob.ParquetWriter
	records int64
	rawMax  time.Time

	// cursor addresses the first unfetched page when err is set.
	cursor string
	err    error
}

// Run claims and executes one chunk to a recorded outcome. The
// returned error reports only bookkeeping failures; fetch failures are
// recorded on the chunk row and aggregated by the table tier.
func (p *ChunkProcessor) Run(ctx context.Context, run ChunkRun) error {
	ctx, span := tracing.Start(ctx, "pipeline.chunk",
		attribute.String("avesa.job.id", run.JobID),
		attribute.String("avesa.tenant.id", run.TenantID),
		attribute.String("avesa.table", run.Endpoint.Path),
		attribute.String("avesa.chunk.id", run.ChunkID),
	)
	defer span.End()

	claimed, err := p.state.ClaimChunk(ctx, run.JobID, run.ChunkID)
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindAlreadyTerminal:
			return nil
		case apperror.KindConflict:
			p.log.Warn("chunk already claimed by another worker",
				slog.String("job_id", run.JobID),
				slog.String("chunk_id", run.ChunkID))
			return nil
		}
		return err
	}

	metrics.OpenChunks.Inc()
	defer metrics.OpenChunks.Dec()

	chunkCtx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.ChunkTimeout)
	defer cancel()

	out := p.execute(chunkCtx, run, claimed)

	budgetExpired := chunkCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	switch {
	case out.err == nil:
		return p.markSucceeded(ctx, run, out)
	case budgetExpired:
		return p.markTimedOut(ctx, run, claimed, out)
	default:
		return p.markFailed(ctx, run, out.err)
	}
}

// execute runs the page loop until the window is exhausted or a fetch
// gives up. Buffered pages become a parquet row group every
// MaxPagesInMemory pages so memory stays bounded on large windows.
func (p *ChunkProcessor) execute(ctx context.Context, run ChunkRun, claimed *state.ChunkProgress) *chunkOutcome {
	out := &chunkOutcome{writer: blob.NewParquetWriter()}

	if claimed.ResumeCursor != "" && run.Connector.SupportsResume() {
		if p.seedPartial(ctx, run, out) {
			out.cursor = claimed.ResumeCursor
			p.log.Info("resuming chunk from persisted cursor",
				slog.String("chunk_id", run.ChunkID),
				slog.Int64("records_recovered", out.records))
		}
	}

	policy := p.retry
	policy.OnRetry = func(attempt int, kind apperror.Kind, delay time.Duration) {
		metrics.ChunkRetries.WithLabelValues(run.Endpoint.Service, string(kind)).Inc()
		p.log.Warn("page fetch retrying",
			slog.String("chunk_id", run.ChunkID),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.Duration("delay", delay))
	}

	var pending []map[string]any
	pages := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := out.writer.WriteRecords(pending); err != nil {
			return err
		}
		pending, pages = nil, 0
		return nil
	}

	for {
		req := connector.FetchRequest{
			TenantID:    run.TenantID,
			Endpoint:    run.Endpoint,
			Credentials: run.Credentials,
			Since:       run.Window.Start,
			Until:       run.Window.End,
			Cursor:      out.cursor,
			PageSize:    run.PageSize,
		}

		var page *connector.Page
		err := policy.Do(ctx, func() error {
			var ferr error
			page, ferr = run.Connector.FetchPage(ctx, req)
			return ferr
		})
		if err != nil {
			out.err = err
			break
		}

		if len(page.Records) > 0 {
			pending = append(pending, page.Records...)
			out.records += int64(len(page.Records))
			metrics.RecordsFetched.WithLabelValues(run.Endpoint.Service).Add(float64(len(page.Records)))
		}
		if page.MaxLastUpdated.After(out.rawMax) {
			out.rawMax = page.MaxLastUpdated
		}

		pages++
		if pages >= p.cfg.Pipeline.MaxPagesInMemory {
			if err := flush(); err != nil {
				out.err = err
				break
			}
		}

		if page.NextCursor == "" {
			out.cursor = ""
			break
		}
		out.cursor = page.NextCursor
	}

	if err := flush(); err != nil && out.err == nil {
		out.err = err
	}
	return out
}

// seedPartial reloads the parquet object a timed-out execution left at
// this chunk's key, so the resumed run finishes with one complete
// object. A missing or unreadable partial restarts the window instead;
// refetching is always safe.
func (p *ChunkProcessor) seedPartial(ctx context.Context, run ChunkRun, out *chunkOutcome) bool {
	key := p.rawKey(run)
	data, err := p.blobs.Get(ctx, key)
	if err != nil {
		if apperror.KindOf(err) != apperror.KindNotFound {
			p.log.Warn("partial chunk object unreadable, restarting window",
				slog.String("key", key), logger.Error(err))
		}
		return false
	}

	records, err := blob.ReadParquet(data)
	if err != nil {
		p.log.Warn("partial chunk object corrupt, restarting window",
			slog.String("key", key), logger.Error(err))
		return false
	}
	if len(records) == 0 {
		return false
	}
	if err := out.writer.WriteRecords(records); err != nil {
		p.log.Warn("failed to reload partial records, restarting window",
			slog.String("key", key), logger.Error(err))
		out.writer = blob.NewParquetWriter()
		return false
	}

	out.records = int64(len(records))
	for _, rec := range records {
		if ts, ok := recordTimestamp(rec, run.Endpoint.IncrementalField); ok && ts.After(out.rawMax) {
			out.rawMax = ts
		}
	}
	return true
}

func (p *ChunkProcessor) markSucceeded(ctx context.Context, run ChunkRun, out *chunkOutcome) error {
	detached := context.WithoutCancel(ctx)
	service := run.Endpoint.Service

	blobKey := ""
	if out.records > 0 {
		data, err := out.writer.Close()
		if err != nil {
			return p.markFailed(ctx, run, apperror.Wrap(apperror.KindFatal, "failed to finalize chunk object", err))
		}
		blobKey = p.rawKey(run)
		if err := p.blobs.Put(detached, blobKey, bytes.NewReader(data), int64(len(data)), blob.ContentTypeParquet); err != nil {
			return p.markFailed(ctx, run, apperror.Wrap(apperror.KindTransient, "failed to land chunk object", err))
		}
	}

	// Empty windows still advance bookkeeping: the window start is the
	// one timestamp known to be durably covered.
	rawMax := out.rawMax
	if rawMax.IsZero() {
		rawMax = run.Window.Start
	}

	if err := p.state.MarkChunkSucceeded(detached, run.JobID, run.ChunkID, out.records, rawMax, blobKey); err != nil {
		return err
	}
	metrics.ChunksProcessed.WithLabelValues(service, string(state.ChunkStatusSucceeded)).Inc()
	p.log.Info("chunk succeeded",
		slog.String("job_id", run.JobID),
		slog.String("tenant_id", run.TenantID),
		slog.String("table", run.Endpoint.Path),
		slog.String("chunk_id", run.ChunkID),
		slog.Int64("records", out.records))
	return nil
}

// markTimedOut parks the chunk for one resumption, flushing whatever
// was fetched so the resumed run does not refetch it. A chunk already
// on its second attempt fails instead.
func (p *ChunkProcessor) markTimedOut(ctx context.Context, run ChunkRun, claimed *state.ChunkProgress, out *chunkOutcome) error {
	detached := context.WithoutCancel(ctx)

	if out.records > 0 {
		if data, err := out.writer.Close(); err == nil {
			key := p.rawKey(run)
			if err := p.blobs.Put(detached, key, bytes.NewReader(data), int64(len(data)), blob.ContentTypeParquet); err != nil {
				p.log.Warn("failed to land partial chunk object",
					slog.String("key", key), logger.Error(err))
			}
		}
	}

	if claimed.AttemptCount >= 2 {
		return p.markFailed(ctx, run, apperror.Wrap(apperror.KindTimeout, "chunk timed out after resumption", out.err))
	}

	cursor := out.cursor
	if !run.Connector.SupportsResume() {
		cursor = ""
	}
	if err := p.state.MarkChunkTimedOut(detached, run.JobID, run.ChunkID, cursor); err != nil {
		return err
	}
	p.log.Warn("chunk timed out, parked for resumption",
		slog.String("job_id", run.JobID),
		slog.String("chunk_id", run.ChunkID),
		slog.Int64("records_so_far", out.records),
		slog.Bool("resumable", cursor != ""))
	return nil
}

func (p *ChunkProcessor) markFailed(ctx context.Context, run ChunkRun, cause error) error {
	detached := context.WithoutCancel(ctx)
	if err := p.state.MarkChunkFailed(detached, run.JobID, run.ChunkID, cause.Error()); err != nil {
		return err
	}
	metrics.ChunksProcessed.WithLabelValues(run.Endpoint.Service, string(state.ChunkStatusFailed)).Inc()
	p.log.Error("chunk failed",
		slog.String("job_id", run.JobID),
		slog.String("tenant_id", run.TenantID),
		slog.String("table", run.Endpoint.Path),
		slog.String("chunk_id", run.ChunkID),
		slog.String("kind", string(apperror.KindOf(cause))),
		logger.Error(cause))
	return nil
}

func (p *ChunkProcessor) rawKey(run ChunkRun) string {
	return blob.RawKey(run.TenantID, run.Endpoint.Service, run.Endpoint.Path,
		run.Window.Start, run.JobID, run.ChunkID)
}

// recordTimestamp extracts a record's incremental timestamp, parsing
// string forms the way the canonical projector does.
func recordTimestamp(rec map[string]any, path string) (time.Time, bool) {
	v, ok := fieldpath.Resolve(rec, path)
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		return mapping.ParseSourceTime(ts)
	}
	return time.Time{}, false
}
