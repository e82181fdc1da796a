// Package columnstore reads and writes canonical table rows with their
// SCD-2 lineage. Every canonical table shares the same lineage columns;
// business columns differ per table and travel in Row.Fields, keyed and
// typed by the schema registry.
package columnstore

import (
	"context"
	"time"
)

// Row is one version of one entity in a canonical table.
type Row struct {
	RowID    int64
	TenantID string
	ID       string

	// Fields holds the table's business columns, normalized with
	// NormalizeRow before any write.
	Fields map[string]any

	SourceSystem   string
	SourceID       string
	LastUpdated    time.Time
	DataHash       string
	EffectiveDate  time.Time
	ExpirationDate *time.Time
	IsCurrent      bool
	RecordVersion  int
	MappingVersion string
	IngestedAt     time.Time
}

// Clone returns a deep copy. Stores hand out clones so callers can
// mutate results freely.
func (r *Row) Clone() *Row {
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if r.ExpirationDate != nil {
		exp := *r.ExpirationDate
		out.ExpirationDate = &exp
	}
	return &out
}

// Store is the canonical table persistence boundary.
//
// Writers must already hold the per-key serialization the applier
// provides; the store's own guarantees are the currency unique index
// (one current row per tenant and id) and transactional CloseAndInsert.
type Store interface {
	// GetCurrent returns the current row for a key, or NotFound.
	GetCurrent(ctx context.Context, table, tenantID, id string) (*Row, error)

	// GetSuccessor returns the earliest version whose effective_date is
	// strictly after the given instant, or NotFound. Late arrivals use
	// it to bound their validity interval.
	GetSuccessor(ctx context.Context, table, tenantID, id string, after time.Time) (*Row, error)

	// FindVersion locates a version by content hash and effective date,
	// or NotFound. Replayed records hit this and become no-ops.
	FindVersion(ctx context.Context, table, tenantID, id, dataHash string, effectiveDate time.Time) (*Row, error)

	// Insert writes a new version row. Inserting a second current row
	// for a key fails with Conflict.
	Insert(ctx context.Context, table string, row *Row) error

	// CloseAndInsert expires the current row at expireAt and inserts its
	// replacement in one transaction. Conflict when the row identified
	// by currentRowID is no longer current.
	CloseAndInsert(ctx context.Context, table string, currentRowID int64, expireAt time.Time, replacement *Row) error

	// ListVersions returns every version of a key ordered by
	// effective_date then insertion order.
	ListVersions(ctx context.Context, table, tenantID, id string) ([]*Row, error)

	// CountCurrent counts current rows for a tenant, across the whole
	// table when tenantID is empty.
	CountCurrent(ctx context.Context, table, tenantID string) (int64, error)
}
