package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"usermetrics/internal/etl"
	"usermetrics/internal/storage"
)

func newSQLiteManager(t *testing.T) *storage.Manager {
	t.Helper()
	log := zaptest.NewLogger(t)
	wh, err := storage.OpenWarehouse(log, storage.WarehouseConfig{
		Driver: "sqlite",
		Source: filepath.Join(t.TempDir(), "db", "user_metrics.db"),
	})
	require.NoError(t, err)
	return storage.NewManager(log, wh, []string{"country", "city", "age_group", "email", "email_provider"})
}

func TestSnapshotPath(t *testing.T) {
	path, err := storage.SnapshotPath("/data/raw", "2024-03-07")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/data/raw", "2024", "03", "07", "persons.parquet"), path)

	_, err = storage.SnapshotPath("/data/raw", "2024-13-01")
	require.Error(t, err)

	date, ok := storage.PartitionFromPath("/data/raw", path)
	require.True(t, ok)
	require.Equal(t, "2024-03-07", date)

	_, ok = storage.PartitionFromPath("/data/raw", "/data/raw/2024/03/07/other.parquet")
	require.False(t, ok)
	_, ok = storage.PartitionFromPath("/data/raw", "/data/raw/x/2024/03/07/persons.parquet")
	require.False(t, ok)
}

func TestComputeSchemaSignature(t *testing.T) {
	a := storage.ComputeSchemaSignature([]string{"email", "city", "gender"})
	b := storage.ComputeSchemaSignature([]string{"gender", "email", "city"})
	c := storage.ComputeSchemaSignature([]string{"email", "city"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64)
	// sha256("city,email,gender")
	require.Equal(t, "bb98fa2c12ffad18ed1cc8ce5485fd3fb8deed730216c19c43aff84f06cd6dd4", a)
}

func TestParquetRoundTrip(t *testing.T) {
	mgr := newSQLiteManager(t)
	base := t.TempDir()
	table := etl.NewTable([]etl.Record{
		{Data: map[string]any{"id": 1.0, "email": "****@x.io", "lat": 1.5, "vip": true, "mixed": "a"}},
		{Data: map[string]any{"id": 2.0, "email": "****@y.io", "lat": 2.0, "mixed": 3.0}},
	})

	path, err := mgr.SavePartition(context.Background(), table, base, "2024-01-01")
	require.NoError(t, err)
	require.FileExists(t, path)

	loaded, err := mgr.LoadPartition(context.Background(), base, "2024-01-01")
	require.NoError(t, err)
	require.Equal(t, table.Columns, loaded.Columns)
	require.Equal(t, 2, loaded.Len())

	first := loaded.Rows[0].Data
	require.Equal(t, int64(1), first["id"])
	require.Equal(t, "****@x.io", first["email"])
	require.Equal(t, 1.5, first["lat"])
	require.Equal(t, true, first["vip"])
	require.Equal(t, "a", first["mixed"])

	second := loaded.Rows[1].Data
	require.NotContains(t, second, "vip")
	require.Equal(t, "3", second["mixed"])
}

func TestSavePartition_EmptyThenOverwrite(t *testing.T) {
	mgr := newSQLiteManager(t)
	base := t.TempDir()
	ctx := context.Background()

	path, err := mgr.SavePartition(ctx, etl.NewTable(nil), base, "2024-03-03")
	require.NoError(t, err)
	require.FileExists(t, path)

	table := etl.NewTable([]etl.Record{{Data: map[string]any{"email": "****@z.io"}}})
	again, err := mgr.SavePartition(ctx, table, base, "2024-03-03")
	require.NoError(t, err)
	require.Equal(t, path, again)

	loaded, err := mgr.LoadPartition(ctx, base, "2024-03-03")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	require.Equal(t, "****@z.io", loaded.Rows[0].Data["email"])
}

func TestLoadPartition_Missing(t *testing.T) {
	mgr := newSQLiteManager(t)
	_, err := mgr.LoadPartition(context.Background(), t.TempDir(), "2024-01-01")
	require.Error(t, err)
	require.True(t, storage.ErrSnapshotMissing.Has(err))
}

func persons(n int, runDate string) []etl.Record {
	out := make([]etl.Record, n)
	for i := range out {
		out[i] = etl.Record{Data: map[string]any{
			"faker_id":       int64(i + 1),
			"email":          "gmail.com",
			"age_group":      "[30-40]",
			"gender":         "female",
			"city":           "Berlin",
			"country":        "Germany",
			"country_code":   "DE",
			"ingestion_date": runDate,
		}}
	}
	return out
}

func TestUpsertPartition_ReplacesPartition(t *testing.T) {
	ctx := context.Background()
	mgr := newSQLiteManager(t)

	stats, err := mgr.UpsertPartition(ctx, persons(3, "2023-12-31"), "2023-12-31", "persons_anonymized")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Total)

	stats, err = mgr.UpsertPartition(ctx, persons(5, "2024-01-01"), "2024-01-01", "persons_anonymized")
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Deleted)
	require.EqualValues(t, 8, stats.Total)

	stats, err = mgr.UpsertPartition(ctx, persons(2, "2024-01-01"), "2024-01-01", "persons_anonymized")
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.Deleted)
	require.EqualValues(t, 2, stats.Inserted)
	require.EqualValues(t, 5, stats.Total)
	// identical over country, city, age_group, email
	require.EqualValues(t, 1, stats.Distinct)
}

func TestUpsertPartition_InvalidInput(t *testing.T) {
	ctx := context.Background()
	mgr := newSQLiteManager(t)

	_, err := mgr.UpsertPartition(ctx, nil, "2024-1-1", "persons_anonymized")
	require.Error(t, err)

	_, err = mgr.UpsertPartition(ctx, nil, "2024-01-01", "persons; DROP TABLE x")
	require.Error(t, err)
}

func TestLogMetadata_AndCleanup(t *testing.T) {
	ctx := context.Background()
	mgr := newSQLiteManager(t)

	sig, err := mgr.LatestSignature(ctx)
	require.NoError(t, err)
	require.Empty(t, sig)

	old := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time { return old })
	table := etl.NewTable([]etl.Record{{Data: map[string]any{"email": "x", "city": "y"}}})
	require.NoError(t, mgr.LogMetadata(ctx, table, "/raw/2024/01/01/persons.parquet"))

	sig, err = mgr.LatestSignature(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.ComputeSchemaSignature([]string{"city", "email"}), sig)

	recent := old.AddDate(0, 0, 40)
	mgr.SetClock(func() time.Time { return recent })
	drifted := etl.NewTable([]etl.Record{{Data: map[string]any{"email": "x", "city": "y", "phone": "z"}}})
	require.NoError(t, mgr.LogMetadata(ctx, drifted, "/raw/2024/02/10/persons.parquet"))

	sig, err = mgr.LatestSignature(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.ComputeSchemaSignature(drifted.Columns), sig)

	require.EqualValues(t, 1, mgr.CleanupMetadata(ctx, 30))
	require.EqualValues(t, 0, mgr.CleanupMetadata(ctx, 30))

	sig, err = mgr.LatestSignature(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.ComputeSchemaSignature(drifted.Columns), sig)
}

func TestCleanupMetadata_BestEffort(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	// a directory where the database file should be makes every open fail
	dbPath := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(dbPath, "x"), 0o755))
	wh, err := storage.OpenWarehouse(log, storage.WarehouseConfig{Driver: "sqlite", Source: dbPath})
	require.NoError(t, err)

	mgr := storage.NewManager(log, wh, nil)
	require.EqualValues(t, 0, mgr.CleanupMetadata(context.Background(), 30))
}

func TestRunLog(t *testing.T) {
	ctx := context.Background()
	mgr := newSQLiteManager(t)
	start := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)

	require.NoError(t, mgr.RecordRun(ctx, storage.RunLog{
		Phase: "ingest", Partition: "2024-01-01", StartedAt: start, FinishedAt: start.Add(time.Minute),
		Status: "success", RowsRead: 10, RowsWritten: 10,
	}))
	require.NoError(t, mgr.RecordRun(ctx, storage.RunLog{
		Phase: "load", Partition: "2024-01-01", StartedAt: start.Add(2 * time.Minute), FinishedAt: start.Add(3 * time.Minute),
		Status: "error", Error: "boom",
	}))

	runs, err := mgr.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "load", runs[0].Phase)
	require.Equal(t, "boom", runs[0].Error)
	require.NotEmpty(t, runs[0].ID)
	require.True(t, runs[1].StartedAt.Equal(start))
}

func TestOpenWarehouse_Unsupported(t *testing.T) {
	_, err := storage.OpenWarehouse(zaptest.NewLogger(t), storage.WarehouseConfig{Driver: "oracle"})
	require.Error(t, err)
}
