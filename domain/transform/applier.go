package transform

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
)

// Outcome of merging one projected record. Values double as the
// canonical merge metric's outcome label.
type Outcome string

const (
	OutcomeInsert  Outcome = metrics.MergeInsert
	OutcomeUpdate  Outcome = metrics.MergeUpdate
	OutcomeNoop    Outcome = metrics.MergeNoop
	OutcomeLate    Outcome = metrics.MergeLate
	OutcomeTieSwap Outcome = metrics.MergeTieSwap
)

// lockStripes bounds merge serialization memory; collisions only cost
// contention, never correctness.
const lockStripes = 64

// Applier merges projected rows into the canonical store, preserving
// the single-current-row rule and version history.
//
// Merges for the same key serialize on a striped mutex, so concurrent
// batches cannot interleave a read-close-insert sequence.
type Applier struct {
	store columnstore.Store
	locks [lockStripes]sync.Mutex
	log   *slog.Logger
}

// NewApplier creates an applier over the canonical store.
func NewApplier(store columnstore.Store, log *slog.Logger) *Applier {
	return &Applier{
		store: store,
		log:   log.With(logger.Scope("applier")),
	}
}

// Apply merges one row. The incoming row carries identity, content and
// lineage inputs; the applier decides currency, effective interval and
// record version.
//
// Decision order: identical content is a no-op wherever it sits in
// time; newer content replaces the current row; equal timestamps
// tie-break on the lexicographically higher hash; older content lands
// as history bounded by its successor.
func (a *Applier) Apply(ctx context.Context, table string, incoming *columnstore.Row) (Outcome, error) {
	mu := &a.locks[a.stripe(table, incoming.TenantID, incoming.ID)]
	mu.Lock()
	defer mu.Unlock()

	outcome, err := a.merge(ctx, table, incoming)
	if err != nil {
		return outcome, err
	}
	metrics.CanonicalMerges.WithLabelValues(table, string(outcome)).Inc()
	return outcome, nil
}

func (a *Applier) merge(ctx context.Context, table string, incoming *columnstore.Row) (Outcome, error) {
	current, err := a.store.GetCurrent(ctx, table, incoming.TenantID, incoming.ID)
	if err != nil {
		if apperror.KindOf(err) != apperror.KindNotFound {
			return "", err
		}
		row := a.versionRow(incoming, 1)
		if err := a.store.Insert(ctx, table, row); err != nil {
			return "", err
		}
		return OutcomeInsert, nil
	}

	if incoming.DataHash == current.DataHash {
		return OutcomeNoop, nil
	}

	switch {
	case incoming.LastUpdated.After(current.LastUpdated):
		row := a.versionRow(incoming, current.RecordVersion+1)
		if err := a.store.CloseAndInsert(ctx, table, current.RowID, incoming.LastUpdated, row); err != nil {
			return "", err
		}
		return OutcomeUpdate, nil

	case incoming.LastUpdated.Equal(current.LastUpdated):
		if incoming.DataHash > current.DataHash {
			row := a.versionRow(incoming, current.RecordVersion+1)
			if err := a.store.CloseAndInsert(ctx, table, current.RowID, incoming.LastUpdated, row); err != nil {
				return "", err
			}
			a.log.Debug("tie-break replaced current row",
				slog.String("table", table),
				slog.String("id", incoming.ID))
			return OutcomeTieSwap, nil
		}
		return a.mergeLate(ctx, table, incoming)

	default:
		return a.mergeLate(ctx, table, incoming)
	}
}

// mergeLate inserts a historical version without touching the current
// row. Its validity closes at the next version's effective date, so
// history stays gap-free.
func (a *Applier) mergeLate(ctx context.Context, table string, incoming *columnstore.Row) (Outcome, error) {
	_, err := a.store.FindVersion(ctx, table, incoming.TenantID, incoming.ID, incoming.DataHash, incoming.LastUpdated)
	if err == nil {
		return OutcomeNoop, nil
	}
	if apperror.KindOf(err) != apperror.KindNotFound {
		return "", err
	}

	expireAt := incoming.LastUpdated
	succ, err := a.store.GetSuccessor(ctx, table, incoming.TenantID, incoming.ID, incoming.LastUpdated)
	switch {
	case err == nil:
		expireAt = succ.EffectiveDate
	case apperror.KindOf(err) != apperror.KindNotFound:
		return "", err
	}

	row := a.versionRow(incoming, 0)
	row.IsCurrent = false
	row.ExpirationDate = &expireAt
	if err := a.store.Insert(ctx, table, row); err != nil {
		return "", err
	}
	return OutcomeLate, nil
}

func (a *Applier) versionRow(incoming *columnstore.Row, version int) *columnstore.Row {
	row := incoming.Clone()
	row.RowID = 0
	row.EffectiveDate = incoming.LastUpdated
	row.ExpirationDate = nil
	row.IsCurrent = true
	row.RecordVersion = version
	return row
}

func (a *Applier) stripe(table, tenantID, id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return h.Sum32() % lockStripes
}
