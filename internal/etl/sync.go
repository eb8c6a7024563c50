package etl

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ── Engine ─────────────────────────────────────────────────
// Orchestrates the two independently retryable phases:
//
//	ingest: source.FetchAll → anonymize → snapshot → metadata log
//	load:   snapshot → transform → destination.UpsertPartition
//
// The snapshot file is the only hand-off between them.

// Phase names a unit of re-entrant work.
type Phase string

const (
	PhaseIngest  Phase = "ingest"
	PhaseLoad    Phase = "load"
	PhaseCleanup Phase = "cleanup"
)

// Status is the outcome of a phase.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// SyncResult is the outcome of running one phase for one partition.
type SyncResult struct {
	Phase        Phase         `json:"phase"`
	Partition    string        `json:"partition"`
	Status       Status        `json:"status"`
	RowsRead     int           `json:"rowsRead"`
	RowsWritten  int           `json:"rowsWritten"`
	SnapshotPath string        `json:"snapshotPath,omitempty"`
	Load         *LoadStats    `json:"load,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Engine runs pipeline phases against its collaborators.
type Engine struct {
	Log        *zap.Logger
	Source     Source
	Plan       FetchPlan
	Anonymizer *Anonymizer
	Transform  *Transformation
	Snapshots  Snapshots
	Metadata   MetadataLogger
	Dest       Destination

	RawPath   string
	TableName string
}

// RunIngest fetches, anonymizes and snapshots one partition and logs its
// metadata. Fetch failures only shrink the batch; snapshot or metadata
// failures abort the phase.
func (e *Engine) RunIngest(ctx context.Context, runDate string) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{Phase: PhaseIngest, Partition: runDate}
	fail := func(err error) (*SyncResult, error) {
		result.Status = StatusError
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	// 1. Fetch.
	raw := e.Source.FetchAll(ctx, e.Plan)
	result.RowsRead = len(raw)

	// 2. Anonymize.
	table := e.Anonymizer.Anonymize(raw)

	// 3. Snapshot.
	path, err := e.Snapshots.SavePartition(ctx, table, e.RawPath, runDate)
	if err != nil {
		return fail(err)
	}
	result.SnapshotPath = path

	// 4. Metadata.
	if err := e.Metadata.LogMetadata(ctx, table, path); err != nil {
		return fail(err)
	}

	result.Status = StatusSuccess
	result.RowsWritten = table.Len()
	result.Duration = time.Since(start)
	e.Log.Info("ingest phase complete",
		zap.String("partition", runDate),
		zap.Int("rows", result.RowsWritten),
		zap.String("snapshot", path),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// RunLoad rereads the partition snapshot, transforms it and replaces the
// partition in the analytical table. A missing snapshot is a hard failure:
// the ingest phase has not run for this date.
func (e *Engine) RunLoad(ctx context.Context, runDate string) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{Phase: PhaseLoad, Partition: runDate}
	fail := func(err error) (*SyncResult, error) {
		result.Status = StatusError
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	// 1. Reload snapshot.
	table, err := e.Snapshots.LoadPartition(ctx, e.RawPath, runDate)
	if err != nil {
		return fail(err)
	}
	result.RowsRead = table.Len()

	// 2. Transform.
	records, err := e.Transform.Transform(table, runDate)
	if err != nil {
		return fail(err)
	}

	// 3. Replace partition.
	stats, err := e.Dest.UpsertPartition(ctx, records, runDate, e.TableName)
	if err != nil {
		return fail(err)
	}

	result.Status = StatusSuccess
	result.RowsWritten = int(stats.Inserted)
	result.Load = &stats
	result.Duration = time.Since(start)
	e.Log.Info("load phase complete",
		zap.String("partition", runDate),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("total", stats.Total),
		zap.Int64("distinct", stats.Distinct),
		zap.Duration("duration", result.Duration))
	return result, nil
}
