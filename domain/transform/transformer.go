package transform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
	"github.com/avesa-io/avesa/pkg/tracing"
)

// BlobRef names one raw parquet object feeding a merge batch.
type BlobRef struct {
	Key        string
	Service    string
	TablePath  string
	IngestedAt time.Time
}

// Request is one canonical merge batch: the raw blobs a job landed for
// one tenant and canonical table.
type Request struct {
	JobID          string
	TenantID       string
	CanonicalTable string
	Blobs          []BlobRef
}

// Result summarizes one merge batch.
type Result struct {
	RecordsIn    int
	Rejected     int
	Inserted     int
	Updated      int
	Noops        int
	LateArrivals int
	TieSwaps     int

	// Watermark is the highest change timestamp merged into the
	// canonical table, zero when nothing applied.
	Watermark time.Time
}

// Submitter accepts merge batches. The ingestion side holds this
// interface so raw landing and canonical merging stay decoupled.
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Result, error)
}

// Transformer is the production Submitter: read blobs, project, collect
// rejects, dedup, merge, advance the canonical watermark.
type Transformer struct {
	mappings       *mapping.Registry
	blobs          blob.Store
	applier        *Applier
	state          state.Store
	rejectRatioMax float64
	log            *slog.Logger
}

var _ Submitter = (*Transformer)(nil)

// NewTransformer builds the transformer and cross-checks every mapping
// document against the canonical schemas, so a document naming a
// missing column fails startup instead of a nightly run.
func NewTransformer(
	mappings *mapping.Registry,
	blobs blob.Store,
	applier *Applier,
	st state.Store,
	cfg *config.Config,
	log *slog.Logger,
) (*Transformer, error) {
	if err := validateMappings(mappings); err != nil {
		return nil, err
	}
	return &Transformer{
		mappings:       mappings,
		blobs:          blobs,
		applier:        applier,
		state:          st,
		rejectRatioMax: cfg.Pipeline.RejectRatioMax,
		log:            log.With(logger.Scope("transform")),
	}, nil
}

func validateMappings(mappings *mapping.Registry) error {
	for _, table := range mappings.Tables() {
		doc, err := mappings.Document(table)
		if err != nil {
			return err
		}
		if !columnstore.KnownTable(table) {
			return apperror.Newf(apperror.KindMappingError, "mapping document targets unknown canonical table %s", table)
		}
		for service, sm := range doc.SourceMappings {
			for _, f := range sm.Fields {
				if f.CanonicalField == "id" || f.CanonicalField == "last_updated" {
					continue
				}
				if !columnstore.HasColumn(table, f.CanonicalField) {
					return apperror.Newf(apperror.KindMappingError,
						"mapping %s/%s names column %s missing from table %s",
						table, service, f.CanonicalField, table)
				}
			}
		}
	}
	return nil
}

// Submit runs one merge batch synchronously. Raw blobs stay untouched
// whatever happens here, so a failed batch is replayable.
func (t *Transformer) Submit(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.Start(ctx, "transform.submit",
		attribute.String("avesa.job.id", req.JobID),
		attribute.String("avesa.tenant.id", req.TenantID),
		attribute.String("avesa.table", req.CanonicalTable))
	defer span.End()

	log := t.log.With(
		slog.String("job_id", req.JobID),
		slog.String("tenant_id", req.TenantID),
		slog.String("table", req.CanonicalTable))

	rejects := blob.NewRejectWriter()
	res := &Result{}

	rows, err := t.project(ctx, req, rejects, res)
	if err != nil {
		return nil, err
	}

	if rejects.Count() > 0 {
		if err := t.writeRejects(ctx, req, rejects); err != nil {
			return nil, err
		}
	}
	if res.RecordsIn > 0 {
		ratio := float64(res.Rejected) / float64(res.RecordsIn)
		if ratio > t.rejectRatioMax {
			return nil, apperror.Newf(apperror.KindMappingError,
				"reject ratio %.3f exceeds %.3f for %s", ratio, t.rejectRatioMax, req.CanonicalTable)
		}
	}

	for _, row := range dedup(rows) {
		outcome, err := t.applier.Apply(ctx, req.CanonicalTable, row)
		if err != nil {
			return nil, fmt.Errorf("merging %s/%s into %s: %w", row.TenantID, row.ID, req.CanonicalTable, err)
		}
		res.count(outcome)
		if row.LastUpdated.After(res.Watermark) {
			res.Watermark = row.LastUpdated
		}
	}

	if !res.Watermark.IsZero() {
		err := t.state.SetWatermark(ctx, req.TenantID, req.CanonicalTable, res.Watermark, req.JobID)
		switch {
		case apperror.KindOf(err) == apperror.KindConflict:
			log.Debug("canonical watermark already ahead")
		case err != nil:
			return nil, err
		}
	}

	log.Info("merge batch done",
		slog.Int("records_in", res.RecordsIn),
		slog.Int("rejected", res.Rejected),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("noops", res.Noops),
		slog.Int("late_arrivals", res.LateArrivals),
		slog.Int("tie_swaps", res.TieSwaps))
	return res, nil
}

// project reads every blob in the request and maps its records.
func (t *Transformer) project(ctx context.Context, req Request, rejects *blob.RejectWriter, res *Result) ([]*columnstore.Row, error) {
	var rows []*columnstore.Row
	for _, ref := range req.Blobs {
		tm, err := t.mappings.Resolve(ref.Service, ref.TablePath)
		if err != nil {
			return nil, err
		}
		if tm.CanonicalTable != req.CanonicalTable {
			return nil, apperror.Newf(apperror.KindMappingError,
				"blob %s maps to %s, not %s", ref.Key, tm.CanonicalTable, req.CanonicalTable)
		}

		data, err := t.blobs.Get(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		records, err := blob.ReadParquet(data)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindMappingError, "reading blob "+ref.Key, err)
		}

		projector := NewProjector(tm)
		for _, raw := range records {
			res.RecordsIn++
			p, rej := projector.Project(raw, ref.IngestedAt)
			if rej != nil {
				res.Rejected++
				metrics.RecordsRejected.WithLabelValues(req.CanonicalTable).Inc()
				if err := rejects.Add(rej.Raw, rej.Reason); err != nil {
					return nil, err
				}
				continue
			}
			rows = append(rows, &columnstore.Row{
				TenantID:       req.TenantID,
				ID:             p.ID,
				Fields:         p.Fields,
				SourceSystem:   ref.Service,
				SourceID:       p.SourceID,
				LastUpdated:    p.LastUpdated,
				DataHash:       p.DataHash,
				MappingVersion: tm.Version,
				IngestedAt:     ref.IngestedAt,
			})
		}
	}
	return rows, nil
}

func (t *Transformer) writeRejects(ctx context.Context, req Request, rejects *blob.RejectWriter) error {
	key := blob.RejectKey(req.TenantID, req.CanonicalTable, req.JobID)
	data := rejects.Bytes()
	if err := t.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), blob.ContentTypeJSONL); err != nil {
		return fmt.Errorf("writing rejects to %s: %w", key, err)
	}
	t.log.Warn("rejected records written",
		slog.String("key", key),
		slog.Int("count", rejects.Count()))
	return nil
}

// dedup keeps one row per entity: the latest change timestamp, breaking
// ties on the higher hash. Earlier versions in the same batch can never
// become current, so merging only the survivor keeps history identical
// while doing less work. Output order is deterministic.
func dedup(rows []*columnstore.Row) []*columnstore.Row {
	best := make(map[string]*columnstore.Row, len(rows))
	for _, row := range rows {
		cur, ok := best[row.ID]
		if !ok {
			best[row.ID] = row
			continue
		}
		if row.LastUpdated.After(cur.LastUpdated) ||
			(row.LastUpdated.Equal(cur.LastUpdated) && row.DataHash > cur.DataHash) {
			best[row.ID] = row
		}
	}
	out := make([]*columnstore.Row, 0, len(best))
	for _, row := range best {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Result) count(outcome Outcome) {
	switch outcome {
	case OutcomeInsert:
		r.Inserted++
	case OutcomeUpdate:
		r.Updated++
	case OutcomeNoop:
		r.Noops++
	case OutcomeLate:
		r.LateArrivals++
	case OutcomeTieSwap:
		r.TieSwaps++
	}
}
