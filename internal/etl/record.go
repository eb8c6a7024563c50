package etl

import (
	"math"
	"sort"

	"github.com/zeebo/errs"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// The fetcher emits Records, the anonymizer turns them into a Table,
// the transformer projects that Table back into Records for loading.

// Error is the error class for pipeline stage failures.
var Error = errs.Class("etl")

// Field types inferred from a Table's values.
const (
	TypeText    = "text"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text" | "integer" | "number" | "boolean"
}

// Schema describes the shape of a Table.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is a single row of data flowing through the pipeline.
// Values are JSON scalars (string, float64, int64, bool, nil) or, before
// anonymization, nested map[string]any sub-objects.
type Record struct {
	Data map[string]any `json:"data"`
}

// Get returns the value of a field and whether it was present.
func (r Record) Get(field string) (any, bool) {
	v, ok := r.Data[field]
	return v, ok
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data}
}

// ── Table ──────────────────────────────────────────────────

// Table is a ragged tabular result: Columns is the union of the fields seen
// across Rows in first-seen order. A row that lacks a column is null there.
type Table struct {
	Columns []string
	Rows    []Record
}

// NewTable builds a Table from rows, deriving the column union.
func NewTable(rows []Record) *Table {
	t := &Table{Rows: rows}
	seen := make(map[string]bool)
	for _, r := range rows {
		for _, k := range sortedKeys(r.Data) {
			if !seen[k] {
				seen[k] = true
				t.Columns = append(t.Columns, k)
			}
		}
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// HasColumn reports whether the column is part of the table's column set.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Schema infers one field per column, in column order. A column takes the
// narrowest type holding every non-nil value: integral numbers are
// "integer", other numbers "number", bools "boolean". Mixed, string and
// all-null columns are "text".
func (t *Table) Schema() Schema {
	s := Schema{Fields: make([]Field, len(t.Columns))}
	for i, col := range t.Columns {
		s.Fields[i] = Field{Name: col, Type: t.fieldType(col)}
	}
	return s
}

func (t *Table) fieldType(col string) string {
	seen, allInt, allNum, allBool := false, true, true, true
	for _, row := range t.Rows {
		v, ok := row.Data[col]
		if !ok || v == nil {
			continue
		}
		seen = true
		switch x := v.(type) {
		case bool:
			allInt, allNum = false, false
		case int, int32, int64:
			allBool = false
		case float32:
			allBool = false
			allInt = allInt && isIntegral(float64(x))
		case float64:
			allBool = false
			allInt = allInt && isIntegral(x)
		default:
			return TypeText
		}
	}
	switch {
	case !seen:
		return TypeText
	case allBool:
		return TypeBoolean
	case allInt:
		return TypeInteger
	case allNum:
		return TypeNumber
	default:
		return TypeText
	}
}

func isIntegral(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

// Value returns the cell at row i, column name, or nil if absent.
func (t *Table) Value(i int, name string) any {
	return t.Rows[i].Data[name]
}

// sortedKeys returns map keys in a stable order so column unions are
// deterministic for a given input.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
