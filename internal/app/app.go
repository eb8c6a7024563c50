package app

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usermetrics/internal/aws"
	"usermetrics/internal/config"
	"usermetrics/internal/dbclient"
	"usermetrics/internal/etl"
	"usermetrics/internal/etl/sources"
	"usermetrics/internal/logging"
	"usermetrics/internal/report"
	"usermetrics/internal/service"
	"usermetrics/internal/storage"
)

// App owns the configuration and the resources shared by every command.
type App struct {
	Config config.Config

	stdout io.Writer
	stderr io.Writer

	log      *zap.Logger
	manager  *storage.Manager
	pipeline *service.PipelineService
}

// New creates an App holding the default configuration.
func New(stdout, stderr io.Writer) *App {
	return &App{
		Config: config.Default(),
		stdout: stdout,
		stderr: stderr,
	}
}

// Startup validates the loaded configuration and builds the logger, the
// storage manager and the pipeline service.
func (a *App) Startup(ctx context.Context) error {
	if err := a.Config.Validate(); err != nil {
		return err
	}

	log, err := logging.New(a.Config.LogLevel, a.Config.LogFormat)
	if err != nil {
		return config.Error.New("log-level: %v", err)
	}
	a.log = log

	warehouse, err := storage.OpenWarehouse(log.Named("warehouse"), storage.WarehouseConfig{
		Driver:        a.Config.DBDriver,
		Source:        a.warehouseSource(),
		MongoDatabase: a.Config.MongoDatabase,
		MetadataTable: a.Config.MetadataTable,
		RunsTable:     a.Config.RunsTable,
	})
	if err != nil {
		return err
	}
	a.manager = storage.NewManager(log.Named("storage"), warehouse, a.Config.UniqueColumns)

	opts := service.Options{
		Engine:        a.engine(),
		Runs:          a.manager,
		Emitter:       service.LogEmitter{Log: log.Named("events")},
		Reports:       a.runDefaultReports,
		RetentionDays: a.Config.RetentionDays,
		Debounce:      a.Config.WatchDebounce,
		PhaseTimeout:  a.Config.PhaseTimeout,
	}
	if err := a.wireAWS(ctx, &opts); err != nil {
		return err
	}
	a.pipeline = service.NewPipelineService(log.Named("pipeline"), opts)

	log.Debug("application started",
		zap.String("driver", a.Config.DBDriver),
		zap.String("source", dbclient.RedactURI(a.warehouseSource())),
		zap.String("rawPath", a.Config.RawPath))
	return nil
}

// Shutdown stops the watcher and the schedule, waits for running
// partitions and flushes the logger.
func (a *App) Shutdown() {
	if a.pipeline != nil {
		a.pipeline.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.pipeline.WaitRunning(ctx)
		cancel()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *App) warehouseSource() string {
	if a.Config.DBDriver == config.DriverSQLite {
		return a.Config.DBPath
	}
	return a.Config.DSN
}

func (a *App) engine() *etl.Engine {
	log := a.log
	var src etl.Source
	if a.Config.ReplayFile != "" {
		src = sources.NewJSONFileSource(log.Named("replay"), a.Config.ReplayFile)
	} else {
		src = sources.NewHTTPSource(log.Named("fetch"), sources.HTTPConfig{
			BaseURL:       a.Config.APIBaseURL,
			BirthdayStart: a.Config.BirthdayStartDate,
			Timeout:       a.Config.APITimeout,
			MaxRetries:    a.Config.MaxRetries,
			RetryDelay:    a.Config.RetryDelay,
		})
	}

	return &etl.Engine{
		Log:    log.Named("engine"),
		Source: src,
		Plan: etl.FetchPlan{
			Categories:         a.Config.Genders,
			BatchesPerCategory: a.Config.BatchesPerGender,
			RecordsPerBatch:    a.Config.RecordsPerBatch,
		},
		Anonymizer: etl.NewAnonymizer(log.Named("anonymize"), etl.DefaultAnonymization()),
		Transform:  etl.NewTransformation(log.Named("transform"), nil),
		Snapshots:  a.manager,
		Metadata:   a.manager,
		Dest:       a.manager,
		RawPath:    filepath.Clean(a.Config.RawPath),
		TableName:  a.Config.Table,
	}
}

// wireAWS adds the S3 mirror and the SQS emitter when configured.
func (a *App) wireAWS(ctx context.Context, opts *service.Options) error {
	if a.Config.S3Bucket == "" && a.Config.SQSQueueURL == "" {
		return nil
	}
	clients, err := aws.NewClients(ctx, a.Config.AWSRegion)
	if err != nil {
		return err
	}
	if a.Config.S3Bucket != "" {
		opts.Mirror = aws.Mirror{
			Log:    a.log.Named("s3"),
			Client: clients.S3,
			Bucket: a.Config.S3Bucket,
			Prefix: a.Config.S3Prefix,
		}
	}
	if a.Config.SQSQueueURL != "" {
		opts.Emitter = service.QueueEmitter{
			Log:       a.log.Named("sqs"),
			Publisher: aws.SQSPublisher{Client: clients.SQS, Queue: a.Config.SQSQueueURL},
			RunID:     uuid.NewString,
		}
	}
	return nil
}

// runDefaultReports runs the default report set and prints it.
func (a *App) runDefaultReports(ctx context.Context) error {
	return a.runReports(ctx, nil)
}

func (a *App) runReports(ctx context.Context, names []string) error {
	reports, err := report.Load(a.Config.ReportsDir, report.Params{
		Table:         a.Config.Table,
		MetadataTable: a.Config.MetadataTable,
	})
	if err != nil {
		return err
	}
	selected, err := report.Select(reports, names)
	if err != nil {
		return err
	}
	runner := report.NewRunner(a.log.Named("report"), a.Config.DBDriver, a.warehouseSource())
	if err := runner.Check(ctx, a.Config.Table); err != nil {
		return err
	}
	results, runErr := runner.Run(ctx, selected)
	if err := report.Write(a.stdout, results); err != nil {
		return err
	}
	return runErr
}
