package storage

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"usermetrics/internal/dbclient"
	"usermetrics/internal/etl"
)

// ── Warehouse ──────────────────────────────────────────────
// A Warehouse is the analytical store behind the Manager: the partitioned
// persons table, the ingestion metadata log and the pipeline run log.
// Implementations open a connection per operation and close it before
// returning.

// MetadataEntry is one row of the ingestion metadata log.
type MetadataEntry struct {
	ID              string    `json:"id"`
	IngestionTime   time.Time `json:"ingestionTime"`
	RecordCount     int64     `json:"recordsInserted"`
	FilePath        string    `json:"filepath"`
	ColumnCount     int       `json:"columnCount"`
	Columns         []string  `json:"columnList"`
	SchemaSignature string    `json:"schemaSignature"`
}

// RunLog records one finished pipeline phase.
type RunLog struct {
	ID          string    `json:"id"`
	Phase       string    `json:"phase"`
	Partition   string    `json:"partition"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	RowsRead    int64     `json:"rowsRead"`
	RowsWritten int64     `json:"rowsWritten"`
	Error       string    `json:"error,omitempty"`
}

// Warehouse is implemented by SQLWarehouse and MongoWarehouse.
type Warehouse interface {
	// UpsertPartition replaces every row of runDate in table with records
	// and reports the table's total and distinct-over-unique row counts.
	UpsertPartition(ctx context.Context, records []etl.Record, runDate, table string, unique []string) (etl.LoadStats, error)

	InsertMetadata(ctx context.Context, entry MetadataEntry) error
	// LatestMetadata returns the newest entry, or nil when the log is empty.
	LatestMetadata(ctx context.Context) (*MetadataEntry, error)
	DeleteMetadataBefore(ctx context.Context, cutoff time.Time) (int64, error)

	InsertRun(ctx context.Context, run RunLog) error
	ListRuns(ctx context.Context, limit int) ([]RunLog, error)
}

// WarehouseConfig selects and configures a Warehouse.
type WarehouseConfig struct {
	Driver        string // sqlite, postgres, mysql or mongodb
	Source        string // sqlite file or DSN
	MongoDatabase string
	MetadataTable string
	RunsTable     string
}

// OpenWarehouse returns the Warehouse for cfg.Driver.
func OpenWarehouse(log *zap.Logger, cfg WarehouseConfig) (Warehouse, error) {
	if cfg.MetadataTable == "" {
		cfg.MetadataTable = "metadata_log"
	}
	if cfg.RunsTable == "" {
		cfg.RunsTable = "pipeline_runs"
	}
	for _, name := range []string{cfg.MetadataTable, cfg.RunsTable} {
		if err := checkIdentifier(name); err != nil {
			return nil, err
		}
	}

	switch cfg.Driver {
	case dbclient.DriverSQLite, dbclient.DriverPostgres, dbclient.DriverMySQL:
		return NewSQLWarehouse(log, cfg), nil
	case dbclient.DriverMongoDB:
		return NewMongoWarehouse(log, cfg), nil
	default:
		return nil, Error.New("unsupported warehouse driver %q", cfg.Driver)
	}
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// checkIdentifier rejects table and column names that would need quoting
// beyond what the dialects apply.
func checkIdentifier(name string) error {
	if !identifierRE.MatchString(name) {
		return Error.New("invalid identifier %q", name)
	}
	return nil
}
