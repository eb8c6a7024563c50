package app

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"usermetrics/internal/etl"
	"usermetrics/internal/storage"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	return t
}

func writeResults(w io.Writer, results []*etl.SyncResult) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"phase", "partition", "status", "rows read", "rows written", "duration", "detail"})
	for _, res := range results {
		if res == nil {
			continue
		}
		detail := res.Error
		if detail == "" {
			detail = res.SnapshotPath
		}
		if res.Load != nil && res.Error == "" {
			detail = res.Load.Table
		}
		t.AppendRow(table.Row{
			res.Phase, res.Partition, res.Status,
			res.RowsRead, res.RowsWritten,
			res.Duration.Round(time.Millisecond), detail,
		})
	}
	t.Render()
	return nil
}

func writeRuns(w io.Writer, runs []storage.RunLog) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"started", "phase", "partition", "status", "rows read", "rows written", "error"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.StartedAt.Format(time.RFC3339), r.Phase, r.Partition, r.Status,
			r.RowsRead, r.RowsWritten, r.Error,
		})
	}
	t.Render()
	return nil
}
