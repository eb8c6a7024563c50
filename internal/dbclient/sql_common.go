package dbclient

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"
)

const defaultFetchSize = 50

// readPrefixes are the leading keywords of statements a report may run.
var readPrefixes = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA"}

// sqlConnector is the read-only Connector for sqlite, mysql and postgres.
// It holds at most one open cursor.
type sqlConnector struct {
	driver string
	db     *sql.DB

	mu     sync.Mutex
	cursor *cursor
}

func newSQLConnector(driver string, db *sql.DB) *sqlConnector {
	return &sqlConnector{driver: driver, db: db}
}

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return Error.Wrap(c.db.PingContext(ctx))
}

// isReadQuery reports whether query, after leading "--" comments, starts
// with a read keyword. It only screens obvious writes; the connection
// itself is what keeps a statement read-only.
func isReadQuery(query string) bool {
	q := strings.ToUpper(stripLeadingComments(query))
	for _, prefix := range readPrefixes {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func stripLeadingComments(query string) string {
	q := strings.TrimSpace(query)
	for strings.HasPrefix(q, "--") {
		_, rest, found := strings.Cut(q, "\n")
		if !found {
			return ""
		}
		q = strings.TrimSpace(rest)
	}
	return q
}

func (c *sqlConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	if !isReadQuery(query) {
		return nil, ErrWriteRejected.New("only read statements are allowed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCursorLocked()

	cur, err := c.query(ctx, query)
	if err != nil {
		return nil, err
	}
	c.cursor = cur
	return c.pageLocked(fetchSize)
}

// query opens a cursor on a read statement. sqlite connections refuse
// writes through query_only; postgres and mysql run the statement in a
// read-only transaction that lives as long as the cursor.
func (c *sqlConnector) query(ctx context.Context, query string) (*cursor, error) {
	if c.driver == DriverSQLite {
		rows, err := c.db.QueryContext(ctx, query)
		if err != nil {
			return nil, Error.New("query: %v", err)
		}
		return newCursor(rows, nil)
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, Error.New("begin read-only transaction: %v", err)
	}
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return nil, Error.New("query: %v", err)
	}
	return newCursor(rows, tx)
}

func (c *sqlConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cursor == nil {
		return nil, Error.New("no active cursor, execute a query first")
	}
	return c.pageLocked(fetchSize)
}

// pageLocked reads the next page and drops the cursor once it is drained
// or broken. Must be called while holding c.mu.
func (c *sqlConnector) pageLocked(fetchSize int) (*QueryPage, error) {
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	page, err := c.cursor.next(fetchSize)
	if err != nil || !page.HasMore {
		c.closeCursorLocked()
	}
	return page, err
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	c.closeCursorLocked()
	c.mu.Unlock()
	return Error.Wrap(c.db.Close())
}

func (c *sqlConnector) closeCursorLocked() {
	if c.cursor != nil {
		c.cursor.close()
		c.cursor = nil
	}
}

// ── Cursor ─────────────────────────────────────────────────

type cursor struct {
	rows    *sql.Rows
	tx      *sql.Tx
	columns []string
	fetched int
}

func newCursor(rows *sql.Rows, tx *sql.Tx) (*cursor, error) {
	cur := &cursor{rows: rows, tx: tx}
	cols, err := rows.Columns()
	if err != nil {
		cur.close()
		return nil, Error.New("columns: %v", err)
	}
	cur.columns = cols
	return cur, nil
}

// next scans up to n rows. HasMore is false once fewer than n rows came
// back.
func (cur *cursor) next(n int) (*QueryPage, error) {
	page := &QueryPage{Columns: cur.columns}
	for len(page.Rows) < n && cur.rows.Next() {
		values := make([]any, len(cur.columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := cur.rows.Scan(ptrs...); err != nil {
			return nil, Error.New("scan row: %v", err)
		}
		for i, v := range values {
			values[i] = reportValue(v)
		}
		page.Rows = append(page.Rows, values)
	}
	if err := cur.rows.Err(); err != nil {
		return nil, Error.New("iterate: %v", err)
	}

	cur.fetched += len(page.Rows)
	page.TotalFetched = cur.fetched
	page.HasMore = len(page.Rows) == n
	return page, nil
}

func (cur *cursor) close() {
	_ = cur.rows.Close()
	if cur.tx != nil {
		_ = cur.tx.Rollback()
	}
}

// reportValue turns driver values into printable ones: bytes (mysql
// DECIMAL and TEXT) become strings and times RFC 3339.
func reportValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

// ── Introspection ──────────────────────────────────────────

// introspectQueries lists tables, then columns of one table (name, type).
type introspectQueries struct {
	tables  string
	columns string
}

func (c *sqlConnector) queries() introspectQueries {
	switch c.driver {
	case DriverSQLite:
		return introspectQueries{
			tables:  `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
			columns: `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`,
		}
	case DriverPostgres:
		return introspectQueries{
			tables: `SELECT table_name FROM information_schema.tables
				WHERE table_schema = CURRENT_SCHEMA() ORDER BY table_name`,
			columns: `SELECT column_name, data_type FROM information_schema.columns
				WHERE table_schema = CURRENT_SCHEMA() AND table_name = $1 ORDER BY ordinal_position`,
		}
	default:
		return introspectQueries{
			tables: `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
				WHERE TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME`,
			columns: `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
				WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`,
		}
	}
}

func (c *sqlConnector) Introspect(ctx context.Context) (*SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	q := c.queries()
	rows, err := c.db.QueryContext(ctx, q.tables)
	if err != nil {
		return nil, Error.New("list tables: %v", err)
	}
	names, err := scanNames(rows)
	if err != nil {
		return nil, err
	}

	schema := &SchemaInfo{Tables: make([]TableInfo, 0, len(names))}
	for _, name := range names {
		cols, err := c.columns(ctx, q.columns, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, TableInfo{Name: name, Columns: cols})
	}
	return schema, nil
}

func (c *sqlConnector) columns(ctx context.Context, query, table string) ([]ColumnInfo, error) {
	rows, err := c.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, Error.New("columns of %s: %v", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []ColumnInfo
	for rows.Next() {
		var ci ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.Type); err != nil {
			return nil, Error.New("columns of %s: %v", table, err)
		}
		cols = append(cols, ci)
	}
	return cols, Error.Wrap(rows.Err())
}

func scanNames(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		names = append(names, name)
	}
	return names, Error.Wrap(rows.Err())
}
