package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
)

// TableRun is one endpoint's planned work within a job: the windows to
// fetch and everything chunks need to fetch them.
type TableRun struct {
	TenantID    string
	Endpoint    catalog.Endpoint
	Connector   connector.Connector
	Credentials secrets.Credentials
	Windows     []Window
	PageSize    int
}

// TableProcessor drives one endpoint through a job: it materializes
// the chunk rows, dispatches them with bounded parallelism, gives
// timed-out chunks one resumption wave, and settles the raw watermark
// from what the chunk rows say actually happened.
type TableProcessor struct {
	chunks *ChunkProcessor
	state  state.Store
	cfg    *config.Config
	log    *slog.Logger
}

// NewTableProcessor builds the table execution tier.
func NewTableProcessor(chunks *ChunkProcessor, st state.Store, cfg *config.Config, log *slog.Logger) *TableProcessor {
	return &TableProcessor{
		chunks: chunks,
		state:  st,
		cfg:    cfg,
		log:    log.With(logger.Scope("pipeline.table")),
	}
}

// Run executes one table's windows to a report. The report is built
// from the persisted chunk rows, not from in-memory results, so a
// partially dispatched run still reports the truth.
func (p *TableProcessor) Run(ctx context.Context, jobID string, run TableRun) *TableReport {
	report := &TableReport{
		Service:        run.Endpoint.Service,
		Path:           run.Endpoint.Path,
		CanonicalTable: run.Endpoint.CanonicalTable,
	}

	runs, err := p.planChunks(ctx, jobID, run)
	if err != nil {
		report.Status = TableFailed
		report.Error = "chunk planning failed: " + err.Error()
		return report
	}

	p.dispatch(ctx, runs)
	if resumable := p.resumptionWave(ctx, jobID, run); len(resumable) > 0 {
		p.log.Info("re-dispatching timed out chunks",
			slog.String("job_id", jobID),
			slog.String("table", run.Endpoint.Path),
			slog.Int("chunks", len(resumable)))
		p.dispatch(ctx, resumable)
	}

	p.settle(ctx, jobID, run, report)

	p.log.Info("table processed",
		slog.String("job_id", jobID),
		slog.String("tenant_id", run.TenantID),
		slog.String("table", run.Endpoint.Path),
		slog.String("status", string(report.Status)),
		slog.Int("chunks_succeeded", report.ChunksSucceeded),
		slog.Int("chunks_total", report.ChunksTotal),
		slog.Int64("records", report.RecordsWritten))
	return report
}

// planChunks upserts one chunk row per window and returns the runs
// still worth dispatching. Chunks already succeeded under this job are
// skipped; their rows still count during settlement.
func (p *TableProcessor) planChunks(ctx context.Context, jobID string, run TableRun) ([]ChunkRun, error) {
	runs := make([]ChunkRun, 0, len(run.Windows))
	for _, w := range run.Windows {
		chunkID := ChunkID(run.TenantID, run.Endpoint.Path, w)
		err := p.state.UpsertChunk(ctx, &state.ChunkProgress{
			JobID:       jobID,
			ChunkID:     chunkID,
			TenantID:    run.TenantID,
			Service:     run.Endpoint.Service,
			TableName:   run.Endpoint.Path,
			WindowStart: w.Start,
			WindowEnd:   w.End,
		})
		if err != nil {
			if apperror.KindOf(err) == apperror.KindAlreadyTerminal {
				continue
			}
			return nil, err
		}
		runs = append(runs, ChunkRun{
			JobID:       jobID,
			TenantID:    run.TenantID,
			Endpoint:    run.Endpoint,
			Connector:   run.Connector,
			Credentials: run.Credentials,
			Window:      w,
			ChunkID:     chunkID,
			PageSize:    run.PageSize,
		})
	}
	return runs, nil
}

func (p *TableProcessor) dispatch(ctx context.Context, runs []ChunkRun) {
	runBounded(ctx, p.cfg.Pipeline.ChunkConcurrency, runs, func(_ int, cr ChunkRun) {
		if err := p.chunks.Run(ctx, cr); err != nil {
			p.log.Error("chunk bookkeeping failed",
				slog.String("chunk_id", cr.ChunkID), logger.Error(err))
		}
	})
}

// resumptionWave returns runs for chunks parked timed_out by the first
// wave. They get exactly one more dispatch; a second timeout fails
// them inside the chunk tier.
func (p *TableProcessor) resumptionWave(ctx context.Context, jobID string, run TableRun) []ChunkRun {
	if ctx.Err() != nil {
		return nil
	}
	chunks, err := p.state.ListTableChunks(ctx, jobID, run.TenantID, run.Endpoint.Path)
	if err != nil {
		p.log.Error("failed to list chunks for resumption",
			slog.String("job_id", jobID), logger.Error(err))
		return nil
	}

	var runs []ChunkRun
	for _, c := range chunks {
		if c.Status != state.ChunkStatusTimedOut {
			continue
		}
		runs = append(runs, ChunkRun{
			JobID:       jobID,
			TenantID:    run.TenantID,
			Endpoint:    run.Endpoint,
			Connector:   run.Connector,
			Credentials: run.Credentials,
			Window:      Window{Start: c.WindowStart, End: c.WindowEnd},
			ChunkID:     c.ChunkID,
			PageSize:    run.PageSize,
		})
	}
	return runs
}

// settle reads the chunk rows back and derives the report, the blob
// refs for the canonical transform, and the watermark advance. It runs
// detached from cancellation: whatever chunks did land is durable and
// must be accounted for.
func (p *TableProcessor) settle(ctx context.Context, jobID string, run TableRun, report *TableReport) {
	detached := context.WithoutCancel(ctx)

	chunks, err := p.state.ListTableChunks(detached, jobID, run.TenantID, run.Endpoint.Path)
	if err != nil {
		report.Status = TableFailed
		report.Error = "chunk bookkeeping unavailable: " + err.Error()
		return
	}

	report.ChunksTotal = len(chunks)
	var rawMax time.Time
	for _, c := range chunks {
		switch c.Status {
		case state.ChunkStatusSucceeded:
			report.ChunksSucceeded++
			report.RecordsWritten += c.RecordsWritten
			if c.RawLastUpdatedMax != nil && c.RawLastUpdatedMax.After(rawMax) {
				rawMax = *c.RawLastUpdatedMax
			}
		default:
			if report.Error == "" && c.LastError != "" {
				report.Error = c.LastError
			}
		}
	}

	switch {
	case report.ChunksSucceeded == report.ChunksTotal:
		report.Status = TableSucceeded
	case report.ChunksSucceeded == 0:
		report.Status = TableFailed
	default:
		report.Status = TablePartial
	}

	// Only the contiguous prefix of succeeded windows counts as covered:
	// advancing past a gap would skip it forever, and transforming blobs
	// beyond the gap would put canonical rows ahead of the raw bookmark.
	prefix := contiguousPrefix(chunks)
	for _, c := range prefix {
		if c.RecordsWritten > 0 && c.BlobKey != "" {
			report.Blobs = append(report.Blobs, transform.BlobRef{
				Key:        c.BlobKey,
				Service:    c.Service,
				TablePath:  c.TableName,
				IngestedAt: c.UpdatedAt,
			})
		}
	}

	var newWM time.Time
	switch {
	case report.Status == TableSucceeded:
		newWM = rawMax
	case len(prefix) > 0:
		newWM = prefix[len(prefix)-1].WindowEnd
	}
	if newWM.IsZero() {
		return
	}

	key := rawWatermarkKey(run.Endpoint)
	switch err := p.state.SetWatermark(detached, run.TenantID, key, newWM, jobID); {
	case err == nil:
		report.Watermark = &newWM
		metrics.WatermarkLagSeconds.WithLabelValues(run.Endpoint.Service).Set(time.Since(newWM).Seconds())
	case apperror.KindOf(err) == apperror.KindConflict:
		p.log.Debug("raw watermark already ahead",
			slog.String("tenant_id", run.TenantID), slog.String("table", key))
	default:
		p.log.Error("failed to advance raw watermark",
			slog.String("tenant_id", run.TenantID), slog.String("table", key), logger.Error(err))
	}
}

// contiguousPrefix returns the leading run of succeeded chunks whose
// windows tile without a gap.
func contiguousPrefix(chunks []*state.ChunkProgress) []*state.ChunkProgress {
	var prefix []*state.ChunkProgress
	for i, c := range chunks {
		if c.Status != state.ChunkStatusSucceeded {
			break
		}
		if i > 0 && !c.WindowStart.Equal(chunks[i-1].WindowEnd) {
			break
		}
		prefix = append(prefix, c)
	}
	return prefix
}

// rawWatermarkKey keys raw watermarks by service-qualified endpoint
// path. Canonical watermarks use the bare table name, so the two
// families share the watermarks table without colliding.
func rawWatermarkKey(ep catalog.Endpoint) string {
	return ep.Service + "/" + ep.Path
}
