package ingest

import (
	"errors"
	"fmt"
	"io"

	"github.com/agentic-research/strata/internal/normalize"
	"github.com/parquet-go/parquet-go"
)

const rowBatch = 1024

// Schema builds the parquet schema for resolved columns: every column is an
// optional leaf so absent fields read back as null.
func Schema(cols []normalize.Column) *parquet.Schema {
	g := make(parquet.Group, len(cols))
	for _, c := range cols {
		g[c.Name] = parquet.Optional(leafFor(c.Type))
	}
	return parquet.NewSchema("record", g)
}

func leafFor(t normalize.ColumnType) parquet.Node {
	switch t {
	case normalize.TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	case normalize.TypeInt64:
		return parquet.Int(64)
	case normalize.TypeDouble:
		return parquet.Leaf(parquet.DoubleType)
	}
	return parquet.String()
}

// columnarWriter writes normalized records as zstd-compressed parquet rows.
type columnarWriter struct {
	cols []normalize.Column
	w    *parquet.Writer
	buf  []parquet.Row
}

func newColumnarWriter(out io.Writer, cols []normalize.Column, meta map[string]string) *columnarWriter {
	opts := []parquet.WriterOption{
		Schema(cols),
		parquet.Compression(&parquet.Zstd),
	}
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}
	return &columnarWriter{
		cols: cols,
		w:    parquet.NewWriter(out, opts...),
		buf:  make([]parquet.Row, 0, rowBatch),
	}
}

// Write appends one record. Columns are in schema (name) order.
func (cw *columnarWriter) Write(rec map[string]normalize.Value) error {
	row := make(parquet.Row, len(cw.cols))
	for i, c := range cw.cols {
		v, err := toParquet(c, c.Physical(rec[c.Name]))
		if err != nil {
			return err
		}
		if v.IsNull() {
			row[i] = v.Level(0, 0, i)
		} else {
			row[i] = v.Level(0, 1, i)
		}
	}
	cw.buf = append(cw.buf, row)
	if len(cw.buf) == rowBatch {
		return cw.flush()
	}
	return nil
}

func (cw *columnarWriter) flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	if _, err := cw.w.WriteRows(cw.buf); err != nil {
		return err
	}
	cw.buf = cw.buf[:0]
	return nil
}

// Close flushes pending rows and writes the footer.
func (cw *columnarWriter) Close() error {
	if err := cw.flush(); err != nil {
		return err
	}
	return cw.w.Close()
}

func toParquet(c normalize.Column, v normalize.Value) (parquet.Value, error) {
	if v.IsNull() {
		return parquet.NullValue(), nil
	}
	switch {
	case c.Type == normalize.TypeBool && v.Kind == normalize.KindBool:
		return parquet.BooleanValue(v.Bool), nil
	case c.Type == normalize.TypeInt64 && v.Kind == normalize.KindInt:
		return parquet.Int64Value(v.Int), nil
	case c.Type == normalize.TypeDouble && v.Kind == normalize.KindFloat:
		return parquet.DoubleValue(v.Float), nil
	case (c.Type == normalize.TypeString || c.Type == normalize.TypeJSON) && v.Kind == normalize.KindString:
		return parquet.ByteArrayValue([]byte(v.Str)), nil
	}
	return parquet.Value{}, &normalize.ShapeError{Field: c.Name, Have: c.Type, Got: v.Kind}
}

// Column describes one column of a written file.
type Column struct {
	Name string
	Type string
}

// ReadSchema returns the columns of a parquet file and its row count.
func ReadSchema(r io.ReaderAt, size int64) ([]Column, int64, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, 0, fmt.Errorf("open parquet: %w", err)
	}
	var cols []Column
	for _, field := range f.Schema().Fields() {
		cols = append(cols, Column{Name: field.Name(), Type: typeName(field.Type())})
	}
	return cols, f.NumRows(), nil
}

func typeName(t parquet.Type) string {
	if lt := t.LogicalType(); lt != nil && lt.UTF8 != nil {
		return normalize.TypeString.String()
	}
	switch t.Kind() {
	case parquet.Boolean:
		return normalize.TypeBool.String()
	case parquet.Int32, parquet.Int64:
		return normalize.TypeInt64.String()
	case parquet.Float, parquet.Double:
		return normalize.TypeDouble.String()
	case parquet.ByteArray:
		return normalize.TypeString.String()
	}
	return t.Kind().String()
}

// ReadRecords decodes every row of a parquet file written by the converter.
// Null cells are omitted from the returned maps.
func ReadRecords(r io.ReaderAt, size int64) ([]map[string]any, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	paths := f.Schema().Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p[len(p)-1]
	}

	var out []map[string]any
	buf := make([]parquet.Row, 64)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec := make(map[string]any, len(row))
				for _, v := range row {
					if v.IsNull() {
						continue
					}
					rec[names[v.Column()]] = goValue(v)
				}
				out = append(out, rec)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("read rows: %w", err)
			}
		}
		_ = rows.Close()
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
	}
	return string(v.ByteArray())
}
