package columnstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// Memory is the in-memory Store used by tests. It enforces the same
// single-current-row rule the Postgres unique index does.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]*Row
	nextID int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory canonical store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]*Row)}
}

func (m *Memory) GetCurrent(_ context.Context, table, tenantID, id string) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if row.TenantID == tenantID && row.ID == id && row.IsCurrent {
			return row.Clone(), nil
		}
	}
	return nil, apperror.NewNotFound("current row", tenantID+"/"+id)
}

func (m *Memory) GetSuccessor(_ context.Context, table, tenantID, id string, after time.Time) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Row
	for _, row := range m.tables[table] {
		if row.TenantID != tenantID || row.ID != id || !row.EffectiveDate.After(after) {
			continue
		}
		if best == nil || row.EffectiveDate.Before(best.EffectiveDate) ||
			(row.EffectiveDate.Equal(best.EffectiveDate) && row.RowID < best.RowID) {
			best = row
		}
	}
	if best == nil {
		return nil, apperror.NewNotFound("successor row", tenantID+"/"+id)
	}
	return best.Clone(), nil
}

func (m *Memory) FindVersion(_ context.Context, table, tenantID, id, dataHash string, effectiveDate time.Time) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if row.TenantID == tenantID && row.ID == id &&
			row.DataHash == dataHash && row.EffectiveDate.Equal(effectiveDate) {
			return row.Clone(), nil
		}
	}
	return nil, apperror.NewNotFound("version row", tenantID+"/"+id)
}

func (m *Memory) Insert(_ context.Context, table string, row *Row) error {
	if !KnownTable(table) {
		return apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(table, row)
}

func (m *Memory) insertLocked(table string, row *Row) error {
	fields, err := NormalizeRow(table, row.Fields)
	if err != nil {
		return err
	}
	if row.IsCurrent {
		for _, existing := range m.tables[table] {
			if existing.TenantID == row.TenantID && existing.ID == row.ID && existing.IsCurrent {
				return apperror.Newf(apperror.KindConflict,
					"current row for %s/%s in %s already exists", row.TenantID, row.ID, table)
			}
		}
	}

	m.nextID++
	stored := row.Clone()
	stored.RowID = m.nextID
	stored.Fields = fields
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}
	m.tables[table] = append(m.tables[table], stored)

	row.RowID = stored.RowID
	return nil
}

func (m *Memory) CloseAndInsert(_ context.Context, table string, currentRowID int64, expireAt time.Time, replacement *Row) error {
	if !KnownTable(table) {
		return apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed *Row
	for _, row := range m.tables[table] {
		if row.RowID == currentRowID && row.IsCurrent {
			closed = row
			break
		}
	}
	if closed == nil {
		return apperror.Newf(apperror.KindConflict, "row %d in %s is no longer current", currentRowID, table)
	}

	exp := expireAt
	closed.IsCurrent = false
	closed.ExpirationDate = &exp

	if err := m.insertLocked(table, replacement); err != nil {
		closed.IsCurrent = true
		closed.ExpirationDate = nil
		return err
	}
	return nil
}

func (m *Memory) ListVersions(_ context.Context, table, tenantID, id string) ([]*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []*Row
	for _, row := range m.tables[table] {
		if row.TenantID == tenantID && row.ID == id {
			rows = append(rows, row.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].EffectiveDate.Equal(rows[j].EffectiveDate) {
			return rows[i].EffectiveDate.Before(rows[j].EffectiveDate)
		}
		return rows[i].RowID < rows[j].RowID
	})
	return rows, nil
}

func (m *Memory) CountCurrent(_ context.Context, table, tenantID string) (int64, error) {
	if !KnownTable(table) {
		return 0, apperror.NewNotFound("canonical table", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, row := range m.tables[table] {
		if row.IsCurrent && (tenantID == "" || row.TenantID == tenantID) {
			n++
		}
	}
	return n, nil
}
