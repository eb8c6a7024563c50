package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"usermetrics/internal/etl"
)

// ── Parquet codec ──────────────────────────────────────────
// Snapshots are Snappy-compressed Parquet. Column types are inferred from
// the values: integral numbers become int64, other numbers float64, bools
// boolean, everything else (including mixed columns) string.

const parquetChunkRows = 64 * 1024

// WriteParquet writes table to path, replacing any existing file.
func WriteParquet(table *etl.Table, path string) error {
	fields := make([]arrow.Field, len(table.Columns))
	builders := make([]array.Builder, len(table.Columns))
	alloc := memory.DefaultAllocator

	for i, f := range table.Schema().Fields {
		typ := arrowType(f.Type)
		fields[i] = arrow.Field{Name: f.Name, Type: typ, Nullable: true}
		builders[i] = array.NewBuilder(alloc, typ)
	}

	for _, row := range table.Rows {
		for i, col := range table.Columns {
			v, ok := row.Data[col]
			if !ok || v == nil {
				builders[i].AppendNull()
				continue
			}
			appendValue(builders[i], v)
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		b.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, cols, int64(table.Len()))
	for _, col := range cols {
		col.Release()
	}
	defer rec.Release()

	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	f, err := os.Create(path)
	if err != nil {
		return ErrWriteFailed.Wrap(err)
	}

	// the file writer closes f along with itself
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		_ = f.Close()
		return ErrWriteFailed.Wrap(err)
	}
	if err := w.WriteTable(tbl, parquetChunkRows); err != nil {
		_ = w.Close()
		return ErrWriteFailed.Wrap(err)
	}
	return ErrWriteFailed.Wrap(w.Close())
}

// ReadParquet reads a snapshot back into a Table. Null cells are left out
// of the row maps; the column set comes from the file schema.
func ReadParquet(ctx context.Context, path string) (*etl.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotMissing.New("%s", path)
		}
		return nil, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return nil, Error.New("open parquet %s: %v", path, err)
	}
	mem := memory.NewGoAllocator()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, Error.New("read parquet %s: %v", path, err)
	}
	tbl, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, Error.New("read parquet %s: %v", path, err)
	}
	defer tbl.Release()

	out := &etl.Table{}
	for _, field := range tbl.Schema().Fields() {
		out.Columns = append(out.Columns, field.Name)
	}

	tr := array.NewTableReader(tbl, parquetChunkRows)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			data := make(map[string]any, len(out.Columns))
			for c, name := range out.Columns {
				if v := cellValue(rec.Column(c), i); v != nil {
					data[name] = v
				}
			}
			out.Rows = append(out.Rows, etl.Record{Data: data})
		}
	}
	return out, nil
}

// arrowType maps an inferred field type to its Arrow type.
func arrowType(fieldType string) arrow.DataType {
	switch fieldType {
	case etl.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case etl.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case etl.TypeNumber:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func appendValue(b array.Builder, v any) {
	switch builder := b.(type) {
	case *array.Int64Builder:
		switch x := v.(type) {
		case int:
			builder.Append(int64(x))
		case int32:
			builder.Append(int64(x))
		case int64:
			builder.Append(x)
		case float32:
			builder.Append(int64(x))
		case float64:
			builder.Append(int64(x))
		default:
			builder.AppendNull()
		}
	case *array.Float64Builder:
		switch x := v.(type) {
		case int:
			builder.Append(float64(x))
		case int32:
			builder.Append(float64(x))
		case int64:
			builder.Append(float64(x))
		case float32:
			builder.Append(float64(x))
		case float64:
			builder.Append(x)
		default:
			builder.AppendNull()
		}
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			builder.Append(x)
		} else {
			builder.AppendNull()
		}
	case *array.StringBuilder:
		builder.Append(stringify(v))
	default:
		b.AppendNull()
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any, []any:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

func cellValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch arr := col.(type) {
	case *array.Int64:
		return arr.Value(i)
	case *array.Float64:
		return arr.Value(i)
	case *array.Boolean:
		return arr.Value(i)
	case *array.String:
		return arr.Value(i)
	case *array.LargeString:
		return arr.Value(i)
	default:
		return col.ValueStr(i)
	}
}
