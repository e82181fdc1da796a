package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Parquet column kinds. Raw records are whatever JSON the source
// returned, so the schema is derived from the data: scalars map to
// typed optional columns, anything nested is JSON-encoded into a
// string column.
const (
	kindString  = 's'
	kindInt64   = 'i'
	kindFloat64 = 'f'
	kindBool    = 'b'
)

// ParquetWriter encodes raw record batches into a single parquet
// object. The schema locks on the first batch; later batches project
// onto it and each batch becomes its own row group, so buffered
// records are released at every flush.
type ParquetWriter struct {
	buf     bytes.Buffer
	w       *parquet.GenericWriter[map[string]any]
	columns []string
	kinds   map[string]byte
	rows    int64
}

// NewParquetWriter returns a writer with no schema yet.
func NewParquetWriter() *ParquetWriter {
	return &ParquetWriter{kinds: make(map[string]byte)}
}

// Rows reports how many records have been written.
func (pw *ParquetWriter) Rows() int64 {
	return pw.rows
}

// WriteRecords appends one batch. The first batch fixes the schema
// from the union of its keys; keys first seen in later batches are
// dropped.
func (pw *ParquetWriter) WriteRecords(records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}
	if pw.w == nil {
		pw.deriveSchema(records)
	}

	rows := make([]parquet.Row, 0, len(records))
	for _, rec := range records {
		row := make(parquet.Row, 0, len(pw.columns))
		for i, col := range pw.columns {
			v, ok := rec[col]
			if !ok || v == nil {
				row = append(row, parquet.NullValue().Level(0, 0, i))
				continue
			}
			coerced := coerceValue(v, pw.kinds[col])
			if coerced == nil {
				row = append(row, parquet.NullValue().Level(0, 0, i))
				continue
			}
			row = append(row, parquet.ValueOf(coerced).Level(0, 1, i))
		}
		rows = append(rows, row)
	}

	if _, err := pw.w.WriteRows(rows); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := pw.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush parquet row group: %w", err)
	}
	pw.rows += int64(len(records))
	return nil
}

// Close finalizes the object and returns its bytes.
func (pw *ParquetWriter) Close() ([]byte, error) {
	if pw.w == nil {
		return nil, fmt.Errorf("parquet writer closed with no records")
	}
	if err := pw.w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return pw.buf.Bytes(), nil
}

func (pw *ParquetWriter) deriveSchema(records []map[string]any) {
	for _, rec := range records {
		for key, v := range rec {
			if v == nil {
				if _, seen := pw.kinds[key]; !seen {
					pw.kinds[key] = kindString
				}
				continue
			}
			k := kindOfValue(v)
			if prev, seen := pw.kinds[key]; seen {
				pw.kinds[key] = mergeKinds(prev, k)
			} else {
				pw.kinds[key] = k
			}
		}
	}

	pw.columns = make([]string, 0, len(pw.kinds))
	for col := range pw.kinds {
		pw.columns = append(pw.columns, col)
	}
	sort.Strings(pw.columns)

	group := parquet.Group{}
	for _, col := range pw.columns {
		group[col] = parquet.Optional(nodeFor(pw.kinds[col]))
	}
	schema := parquet.NewSchema("raw", group)
	pw.w = parquet.NewGenericWriter[map[string]any](&pw.buf, schema,
		parquet.Compression(&parquet.Snappy))
}

func nodeFor(kind byte) parquet.Node {
	switch kind {
	case kindInt64:
		return parquet.Int(64)
	case kindFloat64:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func kindOfValue(v any) byte {
	switch v.(type) {
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindInt64
	case float32, float64:
		return kindFloat64
	case string, time.Time:
		return kindString
	default:
		return kindString
	}
}

// mergeKinds widens the column type when one batch mixes value kinds.
func mergeKinds(a, b byte) byte {
	if a == b {
		return a
	}
	if (a == kindInt64 && b == kindFloat64) || (a == kindFloat64 && b == kindInt64) {
		return kindFloat64
	}
	return kindString
}

func coerceValue(v any, kind byte) any {
	switch kind {
	case kindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case kindInt64:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int8:
			return int64(n)
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case uint:
			return int64(n)
		case uint8:
			return int64(n)
		case uint16:
			return int64(n)
		case uint32:
			return int64(n)
		case uint64:
			return int64(n)
		case float64:
			if n == float64(int64(n)) {
				return int64(n)
			}
			return nil
		default:
			return nil
		}
	case kindFloat64:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		default:
			return nil
		}
	default:
		return stringValue(v)
	}
}

func stringValue(v any) any {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(s)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// ReadParquet decodes a whole parquet object back into record maps.
// Null cells come back as absent keys.
func ReadParquet(data []byte) ([]map[string]any, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet object: %w", err)
	}

	fields := f.Schema().Fields()
	var out []map[string]any
	for _, rg := range f.RowGroups() {
		recs, err := readRowGroup(rg, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readRowGroup(rg parquet.RowGroup, fields []parquet.Field) ([]map[string]any, error) {
	rows := rg.Rows()
	defer rows.Close()

	var out []map[string]any
	buf := make([]parquet.Row, 256)
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			rec := make(map[string]any, len(fields))
			for _, v := range row {
				if v.IsNull() {
					continue
				}
				col := int(v.Column())
				if col < 0 || col >= len(fields) {
					continue
				}
				rec[fields[col].Name()] = goValue(v)
			}
			out = append(out, rec)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func goValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}
