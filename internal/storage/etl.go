package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ── Metadata log ───────────────────────────────────────────

func (w *SQLWarehouse) InsertMetadata(ctx context.Context, e MetadataEntry) error {
	db, err := w.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	d := w.dialect
	if err := w.migrate(ctx, db, d.metadataDDL(w.cfg.MetadataTable)); err != nil {
		return err
	}

	columns, err := json.Marshal(e.Columns)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO `+d.quote(w.cfg.MetadataTable)+` (id, ingestion_time, records_inserted, filepath,
		 column_count, column_list, schema_signature) VALUES (`+d.placeholders(1, 7)+`)`,
		e.ID, e.IngestionTime.UTC(), e.RecordCount, e.FilePath,
		e.ColumnCount, string(columns), e.SchemaSignature,
	)
	return Error.Wrap(err)
}

func (w *SQLWarehouse) LatestMetadata(ctx context.Context) (*MetadataEntry, error) {
	db, err := w.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	d := w.dialect
	if err := w.migrate(ctx, db, d.metadataDDL(w.cfg.MetadataTable)); err != nil {
		return nil, err
	}

	var e MetadataEntry
	var columns string
	err = db.QueryRowContext(ctx,
		`SELECT id, ingestion_time, records_inserted, filepath, column_count, column_list, schema_signature
		 FROM `+d.quote(w.cfg.MetadataTable)+` ORDER BY ingestion_time DESC LIMIT 1`,
	).Scan(&e.ID, &e.IngestionTime, &e.RecordCount, &e.FilePath, &e.ColumnCount, &columns, &e.SchemaSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(columns), &e.Columns); err != nil {
		return nil, Error.New("decode column_list: %v", err)
	}
	return &e, nil
}

func (w *SQLWarehouse) DeleteMetadataBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := w.open(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	d := w.dialect
	if err := w.migrate(ctx, db, d.metadataDDL(w.cfg.MetadataTable)); err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM `+d.quote(w.cfg.MetadataTable)+` WHERE ingestion_time < `+d.placeholder(1), cutoff.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ── Run Logs ───────────────────────────────────────────────

func (w *SQLWarehouse) InsertRun(ctx context.Context, r RunLog) error {
	db, err := w.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	d := w.dialect
	if err := w.migrate(ctx, db, d.runsDDL(w.cfg.RunsTable)); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO `+d.quote(w.cfg.RunsTable)+` (id, phase, partition_key, started_at, finished_at,
		 status, rows_read, rows_written, error) VALUES (`+d.placeholders(1, 9)+`)`,
		r.ID, r.Phase, r.Partition, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		r.Status, r.RowsRead, r.RowsWritten, r.Error,
	)
	return Error.Wrap(err)
}

func (w *SQLWarehouse) ListRuns(ctx context.Context, limit int) ([]RunLog, error) {
	db, err := w.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	d := w.dialect
	if err := w.migrate(ctx, db, d.runsDDL(w.cfg.RunsTable)); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, phase, partition_key, started_at, finished_at, status, rows_read, rows_written, error
		 FROM `+d.quote(w.cfg.RunsTable)+` ORDER BY started_at DESC LIMIT `+d.placeholder(1),
		limit,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunLog
	for rows.Next() {
		var r RunLog
		if err := rows.Scan(&r.ID, &r.Phase, &r.Partition, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.RowsRead, &r.RowsWritten, &r.Error); err != nil {
			return nil, Error.Wrap(err)
		}
		runs = append(runs, r)
	}
	return runs, Error.Wrap(rows.Err())
}
