package service

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"usermetrics/internal/storage"
)

// ── Snapshot watcher ──────────────────────────────────────

// WatchSnapshots starts loading partitions whose snapshot file is created
// or rewritten under the raw base directory. Events for one partition are
// debounced. The watcher runs until Stop or ctx is cancelled.
func (s *PipelineService) WatchSnapshots(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return Error.New("watcher already running")
	}

	base, err := filepath.Abs(s.opts.Engine.RawPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Error.Wrap(err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Error.New("create watcher: %v", err)
	}
	// fsnotify is not recursive: watch every partition directory.
	if err := addTree(watcher, base); err != nil {
		_ = watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})

	go s.watchLoop(watchCtx, watcher, base, s.watchDone)

	s.log.Info("watching snapshots", zap.String("path", base))
	return nil
}

func (s *PipelineService) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, base string, done chan struct{}) {
	defer close(done)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						s.log.Warn("watch directory failed", zap.String("path", event.Name), zap.Error(err))
					}
					// The snapshot may land before the watch is in place.
					s.scanPartitions(ctx, base, event.Name, timers)
					continue
				}
			}
			s.debounce(ctx, base, event.Name, timers)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("watcher error", zap.Error(err))
		}
	}
}

func (s *PipelineService) scanPartitions(ctx context.Context, base, dir string, timers map[string]*time.Timer) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			s.debounce(ctx, base, path, timers)
		}
		return nil
	})
}

// debounce (re)arms the debounce timer of the partition path belongs to.
func (s *PipelineService) debounce(ctx context.Context, base, path string, timers map[string]*time.Timer) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	runDate, ok := storage.PartitionFromPath(base, abs)
	if !ok {
		return
	}
	if t, exists := timers[runDate]; exists {
		t.Stop()
	}
	timers[runDate] = time.AfterFunc(s.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		s.log.Info("snapshot changed, loading partition",
			zap.String("snapshot", abs),
			zap.String("partition", runDate))
		if _, err := s.Load(ctx, runDate); err != nil {
			s.log.Error("watch-triggered load failed", zap.String("partition", runDate), zap.Error(err))
		}
	})
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return Error.New("watch %q: %v", path, err)
			}
		}
		return nil
	})
}

// Stop tears down the watcher and the schedule. It is safe to call more
// than once.
func (s *PipelineService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.watchDone != nil {
		<-s.watchDone
		s.watchDone = nil
	}
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
		s.cronSched = nil
	}
}
