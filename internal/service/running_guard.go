package service

import (
	"context"
	"sort"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = partitionGuard

// ─────────────────────────────────────────────────────────────
// partitionGuard: one pipeline run per partition at a time
// ─────────────────────────────────────────────────────────────

// partitionGuard ensures only one run touches a given partition inside
// this process. It does not exclude other processes.
type partitionGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock attempts to mark partition as running. Returns false if a run
// already holds it.
func (g *partitionGuard) TryLock(partition string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[partition]; ok {
		return false
	}
	g.running[partition] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases partition. Must be called after TryLock returns true.
func (g *partitionGuard) Unlock(partition string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, partition)
	g.wg.Done()
}

// Active returns the held partitions, sorted.
func (g *partitionGuard) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for p := range g.running {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WaitAll blocks until all running partitions are released or ctx is cancelled.
func (g *partitionGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
