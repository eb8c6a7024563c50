package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ── Transformer ────────────────────────────────────────────
// Transformers derive reporting columns from anonymized records.
// They are composable: each takes a record, returns a (possibly modified)
// record and a boolean indicating whether to keep it.

// FinalColumns is the ordered projection loaded into the analytical table.
var FinalColumns = []string{
	"faker_id", "email", "age_group",
	"gender", "city", "country",
	"country_code", "ingestion_date",
}

// derivedColumns are produced by the chain and need not exist upstream.
var derivedColumns = map[string]bool{
	"faker_id":       true,
	"age_group":      true,
	"ingestion_date": true,
}

// ErrMissingColumn is returned when the input lacks a column the projection needs.
var ErrMissingColumn = errs.Class("missing column")

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// ── Derivations ────────────────────────────────────────────

// AgeGroup buckets a YYYY-MM-DD birthdate into a ten-year band relative to
// now's year. Ages of 90 and above share one bucket. The bool result is
// false when the input could not be parsed and Unknown was returned.
func AgeGroup(birthdate any, now time.Time) (string, bool) {
	s, ok := birthdate.(string)
	if !ok {
		return Unknown, false
	}
	born, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Unknown, false
	}
	age := now.Year() - born.Year()
	if age >= 90 {
		return "[90+]", true
	}
	lower := floorDiv(age, 10) * 10
	return fmt.Sprintf("[%d-%d]", lower, lower+10), true
}

// floorDiv rounds toward negative infinity so future birth years still
// land in a well-formed bucket.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// EmailDomain returns the lower-cased part after the first "@", or Unknown.
func EmailDomain(email any) string {
	s, ok := email.(string)
	if !ok {
		return Unknown
	}
	_, domain, found := strings.Cut(s, "@")
	if !found || domain == "" {
		return Unknown
	}
	return strings.ToLower(domain)
}

// ── Built-in Transforms ────────────────────────────────────

// AgeGroupTransform writes the bucket of Field into Target.
type AgeGroupTransform struct {
	Field  string
	Target string
	Now    time.Time
	Log    *zap.Logger

	row int
}

func (t *AgeGroupTransform) Transform(r Record) (Record, bool) {
	v, present := r.Data[t.Field]
	group, ok := AgeGroup(v, t.Now)
	if !ok && present {
		t.Log.Warn("invalid birthday format",
			zap.Int("record", t.row),
			zap.Any("value", v))
	}
	r.Data[t.Target] = group
	t.row++
	return r, true
}

// EmailDomainTransform rewrites Field to its domain only.
type EmailDomainTransform struct {
	Field string
}

func (t *EmailDomainTransform) Transform(r Record) (Record, bool) {
	r.Data[t.Field] = EmailDomain(r.Data[t.Field])
	return r, true
}

// ConstantTransform sets Field to Value on every record.
type ConstantTransform struct {
	Field string
	Value any
}

func (t *ConstantTransform) Transform(r Record) (Record, bool) {
	r.Data[t.Field] = t.Value
	return r, true
}

// SurrogateKeyTransform assigns a dense 1-based sequence in arrival order.
// The sequence is local to one run and is not stable across reruns.
type SurrogateKeyTransform struct {
	Field string
	seen  int64
}

func (t *SurrogateKeyTransform) Transform(r Record) (Record, bool) {
	t.seen++
	r.Data[t.Field] = t.seen
	return r, true
}

// ProjectTransform keeps exactly the specified fields, in any record,
// filling absent ones with nil.
type ProjectTransform struct {
	Fields []string
}

func (t *ProjectTransform) Transform(r Record) (Record, bool) {
	projected := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		projected[f] = r.Data[f]
	}
	r.Data = projected
	return r, true
}

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// ── Transformation ─────────────────────────────────────────

// Transformation turns an anonymized snapshot into the rows loaded into
// the analytical table.
type Transformation struct {
	log     *zap.Logger
	now     func() time.Time
	columns []string
}

// NewTransformation creates a Transformation projecting onto FinalColumns.
// now is consulted once per run for age bucketing.
func NewTransformation(log *zap.Logger, now func() time.Time) *Transformation {
	if now == nil {
		now = time.Now
	}
	return &Transformation{log: log, now: now, columns: FinalColumns}
}

// Transform derives age_group, email domain, ingestion_date and faker_id
// and projects onto the final column set. A required column missing from
// the table fails the whole run.
func (t *Transformation) Transform(table *Table, runDate string) ([]Record, error) {
	if table != nil && table.Len() == 0 && len(table.Columns) == 0 {
		t.log.Warn("empty snapshot, nothing to transform", zap.String("ingestionDate", runDate))
		return []Record{}, nil
	}
	if err := t.checkColumns(table); err != nil {
		return nil, err
	}

	chain := t.chain(table, runDate)
	out := make([]Record, 0, table.Len())
	for _, row := range table.Rows {
		rec, keep := ApplyTransformers(row.Clone(), chain)
		if keep {
			out = append(out, rec)
		}
	}

	t.log.Info("transformed records",
		zap.Int("rows", len(out)),
		zap.Int("columns", len(t.columns)),
		zap.String("ingestionDate", runDate))
	return out, nil
}

func (t *Transformation) chain(table *Table, runDate string) []Transformer {
	var ts []Transformer
	if table.HasColumn("birthday") {
		ts = append(ts, &AgeGroupTransform{Field: "birthday", Target: "age_group", Now: t.now(), Log: t.log})
	} else {
		ts = append(ts, &ConstantTransform{Field: "age_group", Value: Unknown})
	}
	ts = append(ts,
		&EmailDomainTransform{Field: "email"},
		&ConstantTransform{Field: "ingestion_date", Value: runDate},
		&SurrogateKeyTransform{Field: "faker_id"},
		&ProjectTransform{Fields: t.columns},
	)
	return ts
}

func (t *Transformation) checkColumns(table *Table) error {
	if table == nil {
		return ErrMissingColumn.New("nil table")
	}
	var missing []string
	for _, c := range t.columns {
		if derivedColumns[c] {
			continue
		}
		if !table.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return ErrMissingColumn.New("%s", strings.Join(missing, ", "))
	}
	return nil
}
