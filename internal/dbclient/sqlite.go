package dbclient

import (
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteDSN creates the parent directory of path and enables WAL with a
// busy timeout so report readers do not block the loader. Times are
// written in the layout SQLite date functions understand. A readOnly
// DSN sets query_only on every connection.
func sqliteDSN(path string, readOnly bool) (string, error) {
	if path == "" {
		return "", Error.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", Error.New("create db directory: %v", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	if readOnly {
		dsn += "&_pragma=query_only(1)"
	}
	return dsn, nil
}
