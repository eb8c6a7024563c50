package dbclient

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
)

// Error is the class of report-connection failures.
var Error = errs.Class("dbclient")

// ErrWriteRejected is returned when a statement other than a read is
// submitted through a read-only Connector.
var ErrWriteRejected = errs.Class("write rejected")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongoDB  = "mongodb"
)

// QueryPage is a batch of rows fetched from a query cursor.
type QueryPage struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	TotalFetched int      `json:"totalFetched"` // total rows fetched so far
	HasMore      bool     `json:"hasMore"`      // cursor has more rows
}

// SchemaInfo lists the tables of the connected database.
type SchemaInfo struct {
	Tables []TableInfo `json:"tables"`
}

// TableInfo describes a table.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes a column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// HasTable reports whether name is one of the listed tables.
func (s *SchemaInfo) HasTable(name string) bool {
	for _, t := range s.Tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Connector runs read-only queries against the analytical store.
type Connector interface {
	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error

	// Execute opens a cursor for a read statement and fetches the first
	// fetchSize rows. Any other statement is rejected.
	Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error)

	// FetchMore continues reading from the open cursor.
	FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error)

	// Introspect returns the tables and columns of the database.
	Introspect(ctx context.Context) (*SchemaInfo, error)

	// Close closes the connection and any open cursor.
	Close() error
}

// NewConnector creates a read-only Connector. source is the database file
// for sqlite and the DSN otherwise.
func NewConnector(driver, source string) (Connector, error) {
	switch driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
		db, err := open(driver, source, true)
		if err != nil {
			return nil, err
		}
		return newSQLConnector(driver, db), nil
	case DriverMongoDB:
		return nil, Error.New("read-only SQL queries are not supported on %s", driver)
	default:
		return nil, Error.New("unsupported driver: %s", driver)
	}
}

// Open opens a *sql.DB for driver. Callers own the handle and close it.
func Open(driver, source string) (*sql.DB, error) {
	return open(driver, source, false)
}

// open opens driver; readOnly makes sqlite connections refuse writes.
// The other drivers are held read-only per transaction by the Connector.
func open(driver, source string, readOnly bool) (*sql.DB, error) {
	var dsn string
	var err error
	switch driver {
	case DriverSQLite:
		dsn, err = sqliteDSN(source, readOnly)
	case DriverMySQL:
		dsn, err = mysqlDSN(source)
	case DriverPostgres:
		dsn = source
	default:
		return nil, Error.New("unsupported driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Error.New("open %s: %v", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
