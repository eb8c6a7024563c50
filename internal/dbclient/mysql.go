package dbclient

import (
	"github.com/go-sql-driver/mysql"
)

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", Error.New("parse mysql dsn: %v", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}
