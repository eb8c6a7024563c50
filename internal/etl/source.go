package etl

import "context"

// ── Source ──────────────────────────────────────────────────
// A Source extracts raw records from an external system.
// Implementations live in etl/sources/, one file per source type.

// FetchPlan describes how much to pull from a source in one run.
type FetchPlan struct {
	Categories         []string // one worker per category
	BatchesPerCategory int
	RecordsPerBatch    int
}

// Source is the interface every data source must implement.
//
// FetchAll never fails the run: a batch that exhausts its retries
// contributes nothing and a category whose worker fails is dropped.
// Callers must not depend on record order.
type Source interface {
	FetchAll(ctx context.Context, plan FetchPlan) []Record
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context, plan FetchPlan) []Record

func (f SourceFunc) FetchAll(ctx context.Context, plan FetchPlan) []Record { return f(ctx, plan) }
