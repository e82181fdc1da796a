package columnstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
)

// pgUniqueViolation is the Postgres error code raised by the partial
// unique index when a second current row lands for the same key.
const pgUniqueViolation = "23505"

// SQL is the Postgres-backed canonical store. Table names are dynamic
// but always validated against the schema registry before they reach a
// query.
type SQL struct {
	db  bun.IDB
	log *slog.Logger
}

var _ Store = (*SQL)(nil)

// NewSQL creates the Postgres canonical store.
func NewSQL(db *bun.DB, log *slog.Logger) *SQL {
	return &SQL{
		db:  db,
		log: log.With(logger.Scope("columnstore")),
	}
}

func (s *SQL) GetCurrent(ctx context.Context, table, tenantID, id string) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	var rec map[string]any
	err := s.db.NewSelect().
		Table(table).
		ColumnExpr("*").
		Where("tenant_id = ?", tenantID).
		Where("id = ?", id).
		Where("is_current").
		Limit(1).
		Scan(ctx, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("current row", tenantID+"/"+id)
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *SQL) GetSuccessor(ctx context.Context, table, tenantID, id string, after time.Time) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	var rec map[string]any
	err := s.db.NewSelect().
		Table(table).
		ColumnExpr("*").
		Where("tenant_id = ?", tenantID).
		Where("id = ?", id).
		Where("effective_date > ?", after).
		OrderExpr("effective_date ASC, row_id ASC").
		Limit(1).
		Scan(ctx, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("successor row", tenantID+"/"+id)
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *SQL) FindVersion(ctx context.Context, table, tenantID, id, dataHash string, effectiveDate time.Time) (*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	var rec map[string]any
	err := s.db.NewSelect().
		Table(table).
		ColumnExpr("*").
		Where("tenant_id = ?", tenantID).
		Where("id = ?", id).
		Where("data_hash = ?", dataHash).
		Where("effective_date = ?", effectiveDate).
		Limit(1).
		Scan(ctx, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("version row", tenantID+"/"+id)
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *SQL) Insert(ctx context.Context, table string, row *Row) error {
	if !KnownTable(table) {
		return apperror.NewNotFound("canonical table", table)
	}
	return s.insert(ctx, s.db, table, row)
}

func (s *SQL) insert(ctx context.Context, db bun.IDB, table string, row *Row) error {
	rec, err := toRecord(table, row)
	if err != nil {
		return err
	}
	_, err = db.NewInsert().
		Model(&rec).
		Table(table).
		Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperror.Newf(apperror.KindConflict,
				"current row for %s/%s in %s already exists", row.TenantID, row.ID, table).WithInternal(err)
		}
		return err
	}
	return nil
}

func (s *SQL) CloseAndInsert(ctx context.Context, table string, currentRowID int64, expireAt time.Time, replacement *Row) error {
	if !KnownTable(table) {
		return apperror.NewNotFound("canonical table", table)
	}
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Table(table).
			Set("is_current = FALSE").
			Set("expiration_date = ?", expireAt).
			Where("row_id = ?", currentRowID).
			Where("is_current").
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Newf(apperror.KindConflict,
				"row %d in %s is no longer current", currentRowID, table)
		}
		return s.insert(ctx, tx, table, replacement)
	})
}

func (s *SQL) ListVersions(ctx context.Context, table, tenantID, id string) ([]*Row, error) {
	if !KnownTable(table) {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	var recs []map[string]any
	err := s.db.NewSelect().
		Table(table).
		ColumnExpr("*").
		Where("tenant_id = ?", tenantID).
		Where("id = ?", id).
		OrderExpr("effective_date ASC, row_id ASC").
		Scan(ctx, &recs)
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, fromRecord(rec))
	}
	return rows, nil
}

func (s *SQL) CountCurrent(ctx context.Context, table, tenantID string) (int64, error) {
	if !KnownTable(table) {
		return 0, apperror.NewNotFound("canonical table", table)
	}
	q := s.db.NewSelect().
		Table(table).
		ColumnExpr("count(*)").
		Where("is_current")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var n int64
	if err := q.Scan(ctx, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// toRecord flattens a Row into the column map the insert writes.
// row_id is omitted so the identity column assigns it.
func toRecord(table string, row *Row) (map[string]any, error) {
	fields, err := NormalizeRow(table, row.Fields)
	if err != nil {
		return nil, err
	}

	rec := make(map[string]any, len(fields)+12)
	for k, v := range fields {
		rec[k] = v
	}
	rec["tenant_id"] = row.TenantID
	rec["id"] = row.ID
	rec["source_system"] = row.SourceSystem
	rec["source_id"] = row.SourceID
	rec["last_updated"] = row.LastUpdated
	rec["data_hash"] = row.DataHash
	rec["effective_date"] = row.EffectiveDate
	if row.ExpirationDate != nil {
		rec["expiration_date"] = *row.ExpirationDate
	} else {
		rec["expiration_date"] = nil
	}
	rec["is_current"] = row.IsCurrent
	rec["record_version"] = row.RecordVersion
	rec["mapping_version"] = row.MappingVersion
	if row.IngestedAt.IsZero() {
		rec["ingested_at"] = time.Now().UTC()
	} else {
		rec["ingested_at"] = row.IngestedAt
	}
	return rec, nil
}

// fromRecord rebuilds a Row from a scanned column map. Columns outside
// the lineage set are business fields.
func fromRecord(rec map[string]any) *Row {
	row := &Row{Fields: make(map[string]any, len(rec))}
	for k, v := range rec {
		switch k {
		case "row_id":
			row.RowID = asInt64(v)
		case "tenant_id":
			row.TenantID = asString(v)
		case "id":
			row.ID = asString(v)
		case "source_system":
			row.SourceSystem = asString(v)
		case "source_id":
			row.SourceID = asString(v)
		case "last_updated":
			row.LastUpdated = asTime(v)
		case "data_hash":
			row.DataHash = asString(v)
		case "effective_date":
			row.EffectiveDate = asTime(v)
		case "expiration_date":
			if v != nil {
				t := asTime(v)
				row.ExpirationDate = &t
			}
		case "is_current":
			row.IsCurrent, _ = v.(bool)
		case "record_version":
			row.RecordVersion = int(asInt64(v))
		case "mapping_version":
			row.MappingVersion = asString(v)
		case "ingested_at":
			row.IngestedAt = asTime(v)
		default:
			row.Fields[k] = v
		}
	}
	return row
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}
