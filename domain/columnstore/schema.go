package columnstore

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// ColumnKind is the storage type of a canonical business column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindFloat
	KindBool
	KindTime
)

func (k ColumnKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Column describes one business column of a canonical table.
type Column struct {
	Name string
	Kind ColumnKind
}

// schemas mirrors the business columns of the canonical table
// migrations. Lineage columns (tenant_id, id, last_updated, data_hash
// and friends) are owned by Row and never listed here.
var schemas = map[string][]Column{
	"companies": {
		{Name: "company_name", Kind: KindText},
		{Name: "identifier", Kind: KindText},
		{Name: "status", Kind: KindText},
		{Name: "company_type", Kind: KindText},
		{Name: "website", Kind: KindText},
		{Name: "phone", Kind: KindText},
		{Name: "city", Kind: KindText},
		{Name: "state", Kind: KindText},
	},
	"contacts": {
		{Name: "first_name", Kind: KindText},
		{Name: "last_name", Kind: KindText},
		{Name: "email", Kind: KindText},
		{Name: "title", Kind: KindText},
		{Name: "phone", Kind: KindText},
		{Name: "company_id", Kind: KindText},
	},
	"tickets": {
		{Name: "summary", Kind: KindText},
		{Name: "status", Kind: KindText},
		{Name: "priority", Kind: KindText},
		{Name: "board", Kind: KindText},
		{Name: "company_id", Kind: KindText},
		{Name: "assignee", Kind: KindText},
		{Name: "closed", Kind: KindBool},
	},
	"time_entries": {
		{Name: "ticket_id", Kind: KindText},
		{Name: "member", Kind: KindText},
		{Name: "hours", Kind: KindFloat},
		{Name: "billable", Kind: KindBool},
		{Name: "notes", Kind: KindText},
		{Name: "work_date", Kind: KindTime},
	},
}

// Tables lists the canonical tables, sorted.
func Tables() []string {
	tables := make([]string, 0, len(schemas))
	for t := range schemas {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// KnownTable reports whether name is a canonical table. Every dynamic
// table name is checked against this before it reaches SQL.
func KnownTable(name string) bool {
	_, ok := schemas[name]
	return ok
}

// Columns returns the business columns of a canonical table.
func Columns(table string) ([]Column, error) {
	cols, ok := schemas[table]
	if !ok {
		return nil, apperror.NewNotFound("canonical table", table)
	}
	return cols, nil
}

// HasColumn reports whether a canonical table carries the named
// business column.
func HasColumn(table, name string) bool {
	cols, ok := schemas[table]
	if !ok {
		return false
	}
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// NormalizeRow coerces projected field values onto the table's column
// kinds. Fields naming unknown columns and values that cannot be
// represented in the column's type are errors; callers treat both as
// record rejects. Nil values pass through as SQL NULL.
func NormalizeRow(table string, fields map[string]any) (map[string]any, error) {
	cols, err := Columns(table)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]ColumnKind, len(cols))
	for _, c := range cols {
		kinds[c.Name] = c.Kind
	}

	out := make(map[string]any, len(fields))
	for name, v := range fields {
		kind, ok := kinds[name]
		if !ok {
			return nil, fmt.Errorf("table %s has no column %s", table, name)
		}
		if v == nil {
			out[name] = nil
			continue
		}
		cv, err := coerce(kind, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		out[name] = cv
	}
	return out, nil
}

func coerce(kind ColumnKind, v any) (any, error) {
	switch kind {
	case KindText:
		switch t := v.(type) {
		case string:
			return t, nil
		case bool:
			return strconv.FormatBool(t), nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
		case int:
			return strconv.Itoa(t), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case time.Time:
			return t.UTC().Format(time.RFC3339), nil
		default:
			return nil, fmt.Errorf("cannot store %T in a text column", v)
		}
	case KindFloat:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot store %q in a float column", t)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot store %T in a float column", v)
		}
	case KindBool:
		// Boolean strings vary by source dialect; mappings normalize
		// them with bool_from_string before rows reach this point.
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot store %T in a bool column, map it with bool_from_string", v)
	case KindTime:
		// Timestamp strings vary by source dialect; mappings normalize
		// them with iso_datetime before rows reach this point.
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("cannot store %T in a time column, map it with iso_datetime", v)
	default:
		return nil, fmt.Errorf("unknown column kind %d", kind)
	}
}
