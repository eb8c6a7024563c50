package etl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"usermetrics/internal/etl"
)

// memSnapshots keeps partitions in memory, keyed by run date.
type memSnapshots struct {
	tables map[string]*etl.Table
}

func (m *memSnapshots) SavePartition(_ context.Context, table *etl.Table, base, runDate string) (string, error) {
	if m.tables == nil {
		m.tables = map[string]*etl.Table{}
	}
	m.tables[runDate] = table
	return base + "/" + runDate + "/persons.parquet", nil
}

func (m *memSnapshots) LoadPartition(_ context.Context, _, runDate string) (*etl.Table, error) {
	t, ok := m.tables[runDate]
	if !ok {
		return nil, errors.New("snapshot missing")
	}
	return t, nil
}

type memMetadata struct {
	paths []string
}

func (m *memMetadata) LogMetadata(_ context.Context, _ *etl.Table, path string) error {
	m.paths = append(m.paths, path)
	return nil
}

type memDest struct {
	rows map[string][]etl.Record
}

func (m *memDest) UpsertPartition(_ context.Context, records []etl.Record, runDate, table string) (etl.LoadStats, error) {
	if m.rows == nil {
		m.rows = map[string][]etl.Record{}
	}
	deleted := int64(len(m.rows[runDate]))
	m.rows[runDate] = records
	var total int64
	for _, rs := range m.rows {
		total += int64(len(rs))
	}
	return etl.LoadStats{Table: table, Partition: runDate, Deleted: deleted, Inserted: int64(len(records)), Total: total}, nil
}

func newEngine(t *testing.T, src etl.Source) (*etl.Engine, *memSnapshots, *memMetadata, *memDest) {
	log := zaptest.NewLogger(t)
	snaps, meta, dest := &memSnapshots{}, &memMetadata{}, &memDest{}
	return &etl.Engine{
		Log:        log,
		Source:     src,
		Plan:       etl.FetchPlan{Categories: []string{"female"}, BatchesPerCategory: 1, RecordsPerBatch: 1},
		Anonymizer: etl.NewAnonymizer(log, etl.DefaultAnonymization()),
		Transform:  etl.NewTransformation(log, func() time.Time { return fixedNow }),
		Snapshots:  snaps,
		Metadata:   meta,
		Dest:       dest,
		RawPath:    "/raw",
		TableName:  "persons_anonymized",
	}, snaps, meta, dest
}

func TestEngine_AliceEndToEnd(t *testing.T) {
	src := etl.SourceFunc(func(context.Context, etl.FetchPlan) []etl.Record {
		return []etl.Record{{Data: map[string]any{
			"firstname": "Alice",
			"email":     "alice@example.com",
			"gender":    "female",
			"address": map[string]any{
				"zipcode":      "12345",
				"city":         "Berlin",
				"country":      "Germany",
				"country_code": "DE",
			},
		}}}
	})
	engine, snaps, meta, dest := newEngine(t, src)
	ctx := context.Background()

	res, err := engine.RunIngest(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, etl.StatusSuccess, res.Status)
	require.Equal(t, 1, res.RowsWritten)
	require.Equal(t, []string{"/raw/2024-01-01/persons.parquet"}, meta.paths)

	row := snaps.tables["2024-01-01"].Rows[0].Data
	require.Equal(t, "****", row["firstname"])
	require.Equal(t, "****@example.com", row["email"])
	require.Equal(t, "****", row["zipcode"])
	require.NotContains(t, row, "address")

	res, err = engine.RunLoad(ctx, "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, etl.StatusSuccess, res.Status)
	require.EqualValues(t, 1, res.Load.Inserted)

	loaded := dest.rows["2024-01-01"][0].Data
	require.Equal(t, "example.com", loaded["email"])
	require.Equal(t, etl.Unknown, loaded["age_group"])
	require.Equal(t, "2024-01-01", loaded["ingestion_date"])
}

func TestEngine_LoadWithoutSnapshotFails(t *testing.T) {
	engine, _, _, _ := newEngine(t, etl.SourceFunc(func(context.Context, etl.FetchPlan) []etl.Record { return nil }))

	res, err := engine.RunLoad(context.Background(), "2024-02-02")
	require.Error(t, err)
	require.Equal(t, etl.StatusError, res.Status)
	require.NotEmpty(t, res.Error)
}

func TestEngine_EmptyFetchStillSnapshots(t *testing.T) {
	engine, snaps, meta, _ := newEngine(t, etl.SourceFunc(func(context.Context, etl.FetchPlan) []etl.Record { return nil }))

	res, err := engine.RunIngest(context.Background(), "2024-03-03")
	require.NoError(t, err)
	require.Equal(t, 0, res.RowsWritten)
	require.Contains(t, snaps.tables, "2024-03-03")
	require.Len(t, meta.paths, 1)
}
