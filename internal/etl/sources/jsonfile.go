package sources

import (
	"context"
	"os"

	"go.uber.org/zap"

	"usermetrics/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// Replays a saved API response from disk. Accepts the same envelope as
// the HTTP source or a bare array.

// JSONFileSource reads records from a local JSON file.
type JSONFileSource struct {
	log  *zap.Logger
	path string
}

// NewJSONFileSource creates a JSONFileSource for path.
func NewJSONFileSource(log *zap.Logger, path string) *JSONFileSource {
	return &JSONFileSource{log: log, path: path}
}

// FetchAll returns the file's records whose gender is one of the plan's
// categories. An empty category list keeps everything. Batch sizes are
// ignored. A missing or malformed file yields no records.
func (s *JSONFileSource) FetchAll(ctx context.Context, plan etl.FetchPlan) []etl.Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Error("read replay file", zap.String("path", s.path), zap.Error(Error.Wrap(err)))
		return nil
	}
	records, err := decodeRecords(data)
	if err != nil {
		s.log.Error("decode replay file", zap.String("path", s.path), zap.Error(err))
		return nil
	}

	if len(plan.Categories) == 0 {
		return records
	}
	wanted := make(map[string]bool, len(plan.Categories))
	for _, c := range plan.Categories {
		wanted[c] = true
	}
	out := records[:0]
	for _, rec := range records {
		if g, ok := rec.Data["gender"].(string); ok && wanted[g] {
			out = append(out, rec)
		}
	}
	s.log.Info("replayed records",
		zap.String("path", s.path),
		zap.Int("records", len(out)))
	return out
}
