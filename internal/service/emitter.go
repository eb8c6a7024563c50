package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"usermetrics/internal/aws"
	"usermetrics/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: decouples the pipeline from its notification sink
// ─────────────────────────────────────────────────────────────

// Events emitted after a successful phase.
const (
	EventIngestCompleted = "ingest:completed"
	EventLoadCompleted   = "load:completed"
)

// EventEmitter receives pipeline events. Emit must not block the caller
// for long and never fails the phase.
type EventEmitter interface {
	Emit(ctx context.Context, event string, result *etl.SyncResult)
}

// LogEmitter writes events to the log only.
type LogEmitter struct {
	Log *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, result *etl.SyncResult) {
	e.Log.Info("pipeline event",
		zap.String("event", event),
		zap.String("partition", result.Partition),
		zap.Int("rows", result.RowsWritten))
}

// Publisher sends one event message.
type Publisher interface {
	Publish(ctx context.Context, ev aws.Event) error
}

// QueueEmitter publishes events through a Publisher, such as an SQS queue.
// Publish failures are logged.
type QueueEmitter struct {
	Log       *zap.Logger
	Publisher Publisher
	RunID     func() string
}

func (e QueueEmitter) Emit(ctx context.Context, event string, result *etl.SyncResult) {
	ev := aws.Event{
		Event:     event,
		Partition: result.Partition,
		Rows:      int64(result.RowsWritten),
	}
	if e.RunID != nil {
		ev.RunID = e.RunID()
	}
	if result.Load != nil {
		ev.Table = result.Load.Table
		ev.Total = result.Load.Total
	}
	if err := e.Publisher.Publish(ctx, ev); err != nil {
		e.Log.Error("publish event failed",
			zap.String("event", event),
			zap.String("partition", result.Partition),
			zap.Error(err))
	}
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event  string
	Result *etl.SyncResult
}

func (m *MockEmitter) Emit(_ context.Context, event string, result *etl.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Result: result})
}

// Recorded returns a copy of the recorded events.
func (m *MockEmitter) Recorded() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmittedEvent(nil), m.Events...)
}
