package service_test

import (
	"context"
	"testing"
	"time"

	"usermetrics/internal/service"
)

// ─────────────────────────────────────────────────────────────
// partition guard tests
// ─────────────────────────────────────────────────────────────

func TestRunningGuard_TryLock(t *testing.T) {
	var g service.ExportedRunningGuard

	if !g.TryLock("2024-01-01") {
		t.Fatal("expected first TryLock to succeed")
	}
	if g.TryLock("2024-01-01") {
		t.Fatal("expected second TryLock for same partition to fail")
	}
	if !g.TryLock("2024-01-02") {
		t.Fatal("expected TryLock for different partition to succeed")
	}
	if got := g.Active(); len(got) != 2 || got[0] != "2024-01-01" || got[1] != "2024-01-02" {
		t.Fatalf("unexpected active partitions %v", got)
	}
	g.Unlock("2024-01-01")
	g.Unlock("2024-01-02")

	if !g.TryLock("2024-01-01") {
		t.Fatal("expected TryLock to succeed after unlock")
	}
	g.Unlock("2024-01-01")
}

func TestRunningGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunningGuard

	if !g.TryLock("2024-01-01") {
		t.Fatal("expected lock to succeed")
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		g.WaitAll(ctx)
		close(done)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("2024-01-01")
	}()

	select {
	case <-done:
		// success
	case <-time.After(1 * time.Second):
		t.Fatal("WaitAll timed out")
	}
}

func TestRunningGuard_WaitAll_ContextCancelled(t *testing.T) {
	var g service.ExportedRunningGuard
	g.TryLock("2024-01-01")
	defer g.Unlock("2024-01-01")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	g.WaitAll(ctx)
	if time.Since(start) > time.Second {
		t.Fatal("WaitAll ignored context cancellation")
	}
}
