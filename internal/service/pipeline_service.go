package service

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"usermetrics/internal/etl"
	"usermetrics/internal/metrics"
	"usermetrics/internal/storage"
)

// Error is the class of pipeline service failures.
var Error = errs.Class("pipeline")

// ErrPartitionBusy is returned when another run holds the partition.
var ErrPartitionBusy = errs.Class("partition busy")

// ─────────────────────────────────────────────────────────────
// Pipeline Service: phase runs, schedule and watcher
// ─────────────────────────────────────────────────────────────

// RunStore records finished phases and prunes the metadata log.
type RunStore interface {
	RecordRun(ctx context.Context, run storage.RunLog) error
	CleanupMetadata(ctx context.Context, retentionDays int) int64
}

// SnapshotMirror copies a snapshot elsewhere after ingest. rel is the
// snapshot path relative to the raw base directory.
type SnapshotMirror interface {
	Upload(ctx context.Context, localPath, rel string) (string, error)
}

// Options configures a PipelineService. Mirror and Reports are optional.
// A zero PhaseTimeout leaves phases without a deadline of their own.
type Options struct {
	Engine        *etl.Engine
	Runs          RunStore
	Emitter       EventEmitter
	Mirror        SnapshotMirror
	Reports       func(ctx context.Context) error
	RetentionDays int
	PhaseTimeout  time.Duration
	Debounce      time.Duration
}

// PipelineService runs the pipeline phases for a partition, one run per
// partition at a time, and records every finished phase.
type PipelineService struct {
	log  *zap.Logger
	opts Options
	now  func() time.Time

	running partitionGuard

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	watchDone   chan struct{}
	cronSched   *cron.Cron
}

// NewPipelineService creates a PipelineService ready for use.
func NewPipelineService(log *zap.Logger, opts Options) *PipelineService {
	if opts.Emitter == nil {
		opts.Emitter = LogEmitter{Log: log}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	return &PipelineService{
		log:  log,
		opts: opts,
		now:  time.Now,
	}
}

// ── Run ────────────────────────────────────────────────────

// Ingest runs phase 1 for runDate.
func (s *PipelineService) Ingest(ctx context.Context, runDate string) (*etl.SyncResult, error) {
	if !s.running.TryLock(runDate) {
		return nil, ErrPartitionBusy.New("%s", runDate)
	}
	defer s.running.Unlock(runDate)
	return s.ingest(ctx, runDate)
}

// Load runs phase 2 for runDate.
func (s *PipelineService) Load(ctx context.Context, runDate string) (*etl.SyncResult, error) {
	if !s.running.TryLock(runDate) {
		return nil, ErrPartitionBusy.New("%s", runDate)
	}
	defer s.running.Unlock(runDate)
	return s.load(ctx, runDate)
}

// Run runs both phases for runDate. Load is skipped when ingest fails.
func (s *PipelineService) Run(ctx context.Context, runDate string) ([]*etl.SyncResult, error) {
	if !s.running.TryLock(runDate) {
		return nil, ErrPartitionBusy.New("%s", runDate)
	}
	defer s.running.Unlock(runDate)

	ingest, err := s.ingest(ctx, runDate)
	if err != nil {
		return []*etl.SyncResult{ingest}, err
	}
	load, err := s.load(ctx, runDate)
	return []*etl.SyncResult{ingest, load}, err
}

// Daily runs both phases, then the reports and the metadata cleanup.
// Report failures are logged and do not fail the run.
func (s *PipelineService) Daily(ctx context.Context, runDate string) error {
	if _, err := s.Run(ctx, runDate); err != nil {
		return err
	}
	if s.opts.Reports != nil {
		if err := s.opts.Reports(ctx); err != nil {
			s.log.Error("reports failed", zap.String("partition", runDate), zap.Error(err))
		}
	}
	s.Cleanup(ctx)
	return nil
}

// Cleanup prunes metadata entries older than the retention window and
// returns the number removed.
func (s *PipelineService) Cleanup(ctx context.Context) int64 {
	start := s.now()
	n := s.opts.Runs.CleanupMetadata(ctx, s.opts.RetentionDays)
	result := &etl.SyncResult{
		Phase:       etl.PhaseCleanup,
		Status:      etl.StatusSuccess,
		RowsWritten: int(n),
		Duration:    s.now().Sub(start),
	}
	s.record(ctx, start, result)
	return n
}

func (s *PipelineService) ingest(ctx context.Context, runDate string) (*etl.SyncResult, error) {
	result, err := s.phase(ctx, runDate, s.opts.Engine.RunIngest)
	if err != nil {
		return result, err
	}
	s.mirror(ctx, result)
	s.opts.Emitter.Emit(ctx, EventIngestCompleted, result)
	return result, nil
}

func (s *PipelineService) load(ctx context.Context, runDate string) (*etl.SyncResult, error) {
	result, err := s.phase(ctx, runDate, s.opts.Engine.RunLoad)
	if err != nil {
		return result, err
	}
	s.opts.Emitter.Emit(ctx, EventLoadCompleted, result)
	return result, nil
}

type phaseFunc func(ctx context.Context, runDate string) (*etl.SyncResult, error)

func (s *PipelineService) phase(ctx context.Context, runDate string, fn phaseFunc) (*etl.SyncResult, error) {
	runCtx := ctx
	if s.opts.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.PhaseTimeout)
		defer cancel()
	}

	start := s.now()
	result, err := fn(runCtx, runDate)
	s.record(ctx, start, result)
	return result, err
}

// record writes the run log entry and phase metrics. A failed write is
// logged only.
func (s *PipelineService) record(ctx context.Context, start time.Time, result *etl.SyncResult) {
	metrics.HistogramPhaseDuration.
		WithLabelValues(string(result.Phase), string(result.Status)).
		Observe(result.Duration.Seconds())

	run := storage.RunLog{
		Phase:       string(result.Phase),
		Partition:   result.Partition,
		StartedAt:   start.UTC(),
		FinishedAt:  s.now().UTC(),
		Status:      string(result.Status),
		RowsRead:    int64(result.RowsRead),
		RowsWritten: int64(result.RowsWritten),
		Error:       result.Error,
	}
	if err := s.opts.Runs.RecordRun(ctx, run); err != nil {
		s.log.Error("record run failed",
			zap.String("phase", run.Phase),
			zap.String("partition", run.Partition),
			zap.Error(err))
	}
}

func (s *PipelineService) mirror(ctx context.Context, result *etl.SyncResult) {
	if s.opts.Mirror == nil || result.SnapshotPath == "" {
		return
	}
	rel, err := filepath.Rel(s.opts.Engine.RawPath, result.SnapshotPath)
	if err != nil {
		rel = filepath.Base(result.SnapshotPath)
	}
	if _, err := s.opts.Mirror.Upload(ctx, result.SnapshotPath, rel); err != nil {
		s.log.Error("snapshot mirror failed",
			zap.String("snapshot", result.SnapshotPath),
			zap.Error(err))
	}
}

// today is the default run date: the current UTC day.
func (s *PipelineService) today() string {
	return s.now().UTC().Format(storage.DateLayout)
}

// SetClock replaces the clock used for run dates and run timestamps.
func (s *PipelineService) SetClock(now func() time.Time) {
	s.now = now
}

// WaitRunning blocks until all running partitions finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *PipelineService) WaitRunning(ctx context.Context) {
	if active := s.running.Active(); len(active) > 0 {
		s.log.Info("waiting for running partitions", zap.Strings("partitions", active))
	}
	s.running.WaitAll(ctx)
}
