// Package report runs the read-only analytical queries over the loaded
// table and renders their results.
package report

import (
	"bytes"
	"context"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usermetrics/internal/dbclient"
)

// Error is the class of report failures.
var Error = errs.Class("report")

//go:embed sql/*.sql
var builtin embed.FS

// internalReports run on demand but are left out of the default set.
var internalReports = map[string]bool{
	"unique_email_provider_count": true,
}

// Report is one named query. The name is the file stem.
type Report struct {
	Name     string
	Query    string
	Internal bool
}

// Params are substituted into report templates.
type Params struct {
	Table         string
	MetadataTable string
}

// Load returns the built-in reports, overridden or extended by the .sql
// files of dir when dir is non-empty. Queries are rendered with params.
func Load(dir string, params Params) (map[string]Report, error) {
	reports := make(map[string]Report)
	if err := loadFS(reports, builtin, "sql", params); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := loadFS(reports, os.DirFS(dir), ".", params); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func loadFS(into map[string]Report, fsys fs.FS, root string, params Params) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return Error.New("read reports: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		raw, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return Error.New("read %s: %v", e.Name(), err)
		}
		query, err := render(e.Name(), string(raw), params)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(e.Name(), ".sql")
		into[name] = Report{Name: name, Query: query, Internal: internalReports[name]}
	}
	return nil
}

func render(name, text string, params Params) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", Error.New("parse %s: %v", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", Error.New("render %s: %v", name, err)
	}
	return buf.String(), nil
}

// Select resolves names against reports. No names selects every
// non-internal report, sorted by name.
func Select(reports map[string]Report, names []string) ([]Report, error) {
	var out []Report
	if len(names) == 0 {
		for _, r := range reports {
			if !r.Internal {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	for _, n := range names {
		r, ok := reports[strings.TrimSuffix(n, ".sql")]
		if !ok {
			return nil, Error.New("unknown report %q", n)
		}
		out = append(out, r)
	}
	return out, nil
}

// Result is the outcome of one report.
type Result struct {
	Name     string
	Columns  []string
	Rows     [][]any
	Duration time.Duration
	Err      error
}

// Runner executes reports concurrently, each on its own read-only
// connection.
type Runner struct {
	log     *zap.Logger
	connect func() (dbclient.Connector, error)
}

// NewRunner creates a Runner for the given driver and source.
func NewRunner(log *zap.Logger, driver, source string) *Runner {
	return &Runner{
		log: log,
		connect: func() (dbclient.Connector, error) {
			return dbclient.NewConnector(driver, source)
		},
	}
}

const fetchSize = 500

// ErrTableMissing is returned by Check when the analytical table has not
// been loaded yet.
var ErrTableMissing = errs.Class("table missing")

// Check verifies the store is reachable and holds table.
func (r *Runner) Check(ctx context.Context, table string) error {
	conn, err := r.connect()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.TestConnection(ctx); err != nil {
		return Error.Wrap(err)
	}
	schema, err := conn.Introspect(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if !schema.HasTable(table) {
		return ErrTableMissing.New("%s: run the load phase first", table)
	}
	return nil
}

// Run executes reports and returns one Result per report, in input order.
// A failing report does not stop the others; the returned error combines
// every failure.
func (r *Runner) Run(ctx context.Context, reports []Report) ([]Result, error) {
	results := make([]Result, len(reports))

	var g errgroup.Group
	for i, rep := range reports {
		g.Go(func() error {
			results[i] = r.runOne(ctx, rep)
			return nil
		})
	}
	_ = g.Wait()

	var group errs.Group
	for _, res := range results {
		if res.Err != nil {
			group.Add(Error.New("%s: %v", res.Name, res.Err))
		}
	}
	return results, group.Err()
}

func (r *Runner) runOne(ctx context.Context, rep Report) Result {
	start := time.Now()
	res := Result{Name: rep.Name}

	conn, err := r.connect()
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = conn.Close() }()

	page, err := conn.Execute(ctx, rep.Query, fetchSize)
	for err == nil {
		res.Columns = page.Columns
		res.Rows = append(res.Rows, page.Rows...)
		if !page.HasMore {
			break
		}
		page, err = conn.FetchMore(ctx, fetchSize)
	}
	res.Err = err
	res.Duration = time.Since(start)

	if err != nil {
		r.log.Error("report failed", zap.String("report", rep.Name), zap.Error(err))
	} else {
		r.log.Info("report executed",
			zap.String("report", rep.Name),
			zap.Int("rows", len(res.Rows)),
			zap.Duration("duration", res.Duration))
	}
	return res
}
