// Package storage persists pipeline output: partitioned Parquet snapshots
// on disk plus the analytical table, metadata log and run log in a
// Warehouse.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"usermetrics/internal/etl"
	"usermetrics/internal/metrics"
)

var (
	// Error is the class of storage failures.
	Error = errs.Class("storage")
	// ErrSnapshotMissing is returned when a partition has no snapshot yet.
	ErrSnapshotMissing = errs.Class("snapshot missing")
	// ErrWriteFailed is returned when a snapshot could not be written.
	ErrWriteFailed = errs.Class("snapshot write failed")
)

// Manager implements etl.Snapshots, etl.MetadataLogger and
// etl.Destination on top of the local filesystem and a Warehouse.
type Manager struct {
	log           *zap.Logger
	warehouse     Warehouse
	uniqueColumns []string
	now           func() time.Time
}

// NewManager creates a Manager. uniqueColumns drive the distinct-row
// diagnostic reported after every load; names outside the projected
// column set are dropped with a warning.
func NewManager(log *zap.Logger, warehouse Warehouse, uniqueColumns []string) *Manager {
	known := make(map[string]bool, len(etl.FinalColumns))
	for _, c := range etl.FinalColumns {
		known[c] = true
	}
	var unique []string
	for _, c := range uniqueColumns {
		if !known[c] {
			log.Warn("ignoring unknown uniqueness column", zap.String("column", c))
			continue
		}
		unique = append(unique, c)
	}
	return &Manager{log: log, warehouse: warehouse, uniqueColumns: unique, now: time.Now}
}

// ── Snapshots ──────────────────────────────────────────────

// SavePartition writes table as base/YYYY/MM/DD/persons.parquet and
// returns the path. An empty table is written with a warning.
func (m *Manager) SavePartition(ctx context.Context, table *etl.Table, base, runDate string) (string, error) {
	path, err := SnapshotPath(base, runDate)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", ErrWriteFailed.Wrap(err)
	}
	if table.Len() == 0 {
		m.log.Warn("writing empty snapshot", zap.String("partition", runDate))
	}

	if err := WriteParquet(table, path); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", ErrWriteFailed.New("%s not found after write: %v", path, err)
	}

	m.log.Info("snapshot written",
		zap.String("path", path),
		zap.Int("rows", table.Len()),
		zap.Int("columns", len(table.Columns)))
	return path, nil
}

// LoadPartition reads the snapshot of runDate back.
func (m *Manager) LoadPartition(ctx context.Context, base, runDate string) (*etl.Table, error) {
	path, err := SnapshotPath(base, runDate)
	if err != nil {
		return nil, err
	}
	table, err := ReadParquet(ctx, path)
	if err != nil {
		return nil, err
	}
	m.log.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("rows", table.Len()))
	return table, nil
}

// ── Destination ────────────────────────────────────────────

// UpsertPartition replaces the runDate partition of table with records.
func (m *Manager) UpsertPartition(ctx context.Context, records []etl.Record, runDate, table string) (etl.LoadStats, error) {
	if _, err := ParsePartition(runDate); err != nil {
		return etl.LoadStats{}, err
	}
	stats, err := m.warehouse.UpsertPartition(ctx, records, runDate, table, m.uniqueColumns)
	if err != nil {
		return stats, err
	}
	metrics.CounterRowsLoaded.Add(float64(stats.Inserted))
	m.log.Info("partition replaced",
		zap.String("table", table),
		zap.String("partition", runDate),
		zap.Int64("deleted", stats.Deleted),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("total", stats.Total),
		zap.Int64("distinct", stats.Distinct))
	return stats, nil
}

// ── Metadata ───────────────────────────────────────────────

// ComputeSchemaSignature is the SHA-256 hex digest of the sorted column
// names joined by commas. It ignores column order.
func ComputeSchemaSignature(columns []string) string {
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// LogMetadata appends one metadata entry for a written snapshot and warns
// when its schema signature differs from the previous entry's.
func (m *Manager) LogMetadata(ctx context.Context, table *etl.Table, filePath string) error {
	entry := MetadataEntry{
		ID:              uuid.New().String(),
		IngestionTime:   m.now().UTC(),
		RecordCount:     int64(table.Len()),
		FilePath:        filePath,
		ColumnCount:     len(table.Columns),
		Columns:         append([]string{}, table.Columns...),
		SchemaSignature: ComputeSchemaSignature(table.Columns),
	}

	prev, err := m.warehouse.LatestMetadata(ctx)
	if err != nil {
		return err
	}
	if prev != nil && prev.SchemaSignature != entry.SchemaSignature {
		metrics.CounterSchemaChanges.Inc()
		m.log.Warn("schema changed since previous ingestion",
			zap.String("previous", prev.SchemaSignature),
			zap.String("current", entry.SchemaSignature),
			zap.Strings("previousColumns", prev.Columns),
			zap.Strings("columns", entry.Columns))
	}

	if err := m.warehouse.InsertMetadata(ctx, entry); err != nil {
		return err
	}
	m.log.Info("metadata logged",
		zap.String("id", entry.ID),
		zap.Int64("records", entry.RecordCount),
		zap.String("signature", entry.SchemaSignature))
	return nil
}

// LatestSignature returns the schema signature of the newest metadata
// entry, or "" when the log is empty.
func (m *Manager) LatestSignature(ctx context.Context) (string, error) {
	prev, err := m.warehouse.LatestMetadata(ctx)
	if err != nil || prev == nil {
		return "", err
	}
	return prev.SchemaSignature, nil
}

// CleanupMetadata prunes entries older than retentionDays. It is
// best-effort: failures are logged and the pruned count is 0.
func (m *Manager) CleanupMetadata(ctx context.Context, retentionDays int) int64 {
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := m.warehouse.DeleteMetadataBefore(ctx, cutoff)
	if err != nil {
		m.log.Error("metadata cleanup failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0
	}
	metrics.CounterMetadataPruned.Add(float64(n))
	m.log.Info("metadata cleanup complete",
		zap.Int("retentionDays", retentionDays),
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", n))
	return n
}

// ── Run log ────────────────────────────────────────────────

// RecordRun stores a finished phase, assigning its id.
func (m *Manager) RecordRun(ctx context.Context, run RunLog) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	return m.warehouse.InsertRun(ctx, run)
}

// ListRuns returns the newest runs first.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.warehouse.ListRuns(ctx, limit)
}

// SetClock replaces the clock used for metadata timestamps and cleanup.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
