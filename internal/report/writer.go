package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

const nullValue = "NULL"

// Write renders every result as a table under its report name. Failed
// reports print their error instead.
func Write(w io.Writer, results []Result) error {
	for _, res := range results {
		if _, err := fmt.Fprintf(w, "== %s ==\n", res.Name); err != nil {
			return Error.Wrap(err)
		}
		if res.Err != nil {
			if _, err := fmt.Fprintf(w, "Error: %v\n\n", res.Err); err != nil {
				return Error.Wrap(err)
			}
			continue
		}

		t := table.NewWriter()
		t.SetOutputMirror(w)

		// Don't uppercase the header values.
		t.Style().Format.Header = text.FormatDefault

		header := make(table.Row, len(res.Columns))
		for i, c := range res.Columns {
			header[i] = c
		}
		t.AppendHeader(header)
		for _, row := range res.Rows {
			out := make(table.Row, len(row))
			for i, v := range row {
				// go-pretty doesn't expect nil values.
				if v == nil {
					v = nullValue
				}
				out[i] = v
			}
			t.AppendRow(out)
		}
		t.Render()

		if _, err := fmt.Fprintf(w, "(%d rows, %s)\n\n", len(res.Rows), res.Duration.Round(time.Millisecond)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
