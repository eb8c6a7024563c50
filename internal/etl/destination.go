package etl

import "context"

// ── Destination ────────────────────────────────────────────
// A Destination writes transformed records into the analytical store.
// Writes are scoped to one partition: every existing row of that
// ingestion date is replaced, which makes reruns idempotent.

// LoadStats summarizes one partition load.
type LoadStats struct {
	Table     string `json:"table"`
	Partition string `json:"partition"`
	Deleted   int64  `json:"deleted"`
	Inserted  int64  `json:"inserted"`
	Total     int64  `json:"total"`    // rows in the table after the load
	Distinct  int64  `json:"distinct"` // distinct rows over the uniqueness columns
}

// Destination loads records for one partition.
type Destination interface {
	UpsertPartition(ctx context.Context, records []Record, runDate, tableName string) (LoadStats, error)
}

// ── Snapshots ──────────────────────────────────────────────
// The snapshot file is the hand-off between the ingest and load phases.

// Snapshots persists and reloads the per-partition snapshot.
type Snapshots interface {
	SavePartition(ctx context.Context, table *Table, basePath, runDate string) (string, error)
	LoadPartition(ctx context.Context, basePath, runDate string) (*Table, error)
}

// MetadataLogger records one ingestion metadata entry per snapshot write.
type MetadataLogger interface {
	LogMetadata(ctx context.Context, table *Table, filePath string) error
}
