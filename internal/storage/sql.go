package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"usermetrics/internal/dbclient"
	"usermetrics/internal/etl"
)

// SQLWarehouse stores everything in one SQL database: the embedded sqlite
// file by default, or postgres/mysql through a DSN.
type SQLWarehouse struct {
	log     *zap.Logger
	cfg     WarehouseConfig
	dialect dialect
}

// NewSQLWarehouse creates a SQLWarehouse. No connection is opened until
// the first operation.
func NewSQLWarehouse(log *zap.Logger, cfg WarehouseConfig) *SQLWarehouse {
	return &SQLWarehouse{log: log, cfg: cfg, dialect: dialects[cfg.Driver]}
}

// open returns a fresh connection. Every operation closes its own.
func (w *SQLWarehouse) open(ctx context.Context) (*sql.DB, error) {
	db, err := dbclient.Open(w.cfg.Driver, w.cfg.Source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Error.New("connect %s: %v", w.cfg.Driver, err)
	}
	return db, nil
}

// migrate applies create-if-absent DDL.
func (w *SQLWarehouse) migrate(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, m := range stmts {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return Error.New("migration failed: %s: %v", firstLine(m), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return s[:i]
	}
	return s
}

// UpsertPartition deletes the partition and inserts records in a single
// transaction, so a failure leaves the previous rows in place.
func (w *SQLWarehouse) UpsertPartition(ctx context.Context, records []etl.Record, runDate, table string, unique []string) (etl.LoadStats, error) {
	stats := etl.LoadStats{Table: table, Partition: runDate}
	if err := checkIdentifier(table); err != nil {
		return stats, err
	}

	db, err := w.open(ctx)
	if err != nil {
		return stats, err
	}
	defer func() { _ = db.Close() }()

	if err := w.migrate(ctx, db, w.dialect.personsDDL(table)); err != nil {
		return stats, err
	}

	d := w.dialect
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return stats, Error.New("begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM "+d.quote(table)+" WHERE "+d.quote("ingestion_date")+" = "+d.placeholder(1), runDate)
	if err != nil {
		return stats, Error.New("delete partition %s: %v", runDate, err)
	}
	stats.Deleted, _ = res.RowsAffected()

	cols := etl.FinalColumns
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO "+d.quote(table)+" ("+d.quoteAll(cols)+") VALUES ("+d.placeholders(1, len(cols))+")")
	if err != nil {
		return stats, Error.New("prepare insert: %v", err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(cols))
	for i, rec := range records {
		for j, c := range cols {
			args[j] = sqlValue(rec.Data[c])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return stats, Error.New("insert row %d: %v", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, Error.New("commit: %v", err)
	}
	stats.Inserted = int64(len(records))

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.quote(table)).Scan(&stats.Total); err != nil {
		return stats, Error.New("count rows: %v", err)
	}
	if len(unique) > 0 {
		q := "SELECT COUNT(*) FROM (SELECT DISTINCT " + d.quoteAll(unique) + " FROM " + d.quote(table) + ") d"
		if err := db.QueryRowContext(ctx, q).Scan(&stats.Distinct); err != nil {
			return stats, Error.New("count distinct rows: %v", err)
		}
	}
	return stats, nil
}

// sqlValue narrows a record value to a type every driver binds.
func sqlValue(v any) any {
	switch x := v.(type) {
	case nil, string, int64, float64, bool:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return fmt.Sprint(x)
	}
}
