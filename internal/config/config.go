// Package config holds the pipeline configuration. Flags are the single
// definition of every option; environment variables and an optional config
// file are layered underneath them.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the class of configuration errors.
var Error = errs.Class("config")

// Supported warehouse drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongo    = "mongodb"
)

// Config is the full pipeline configuration.
type Config struct {
	// Source
	APIBaseURL        string
	BirthdayStartDate string
	APITimeout        time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	Genders           []string
	RecordsPerBatch   int
	BatchesPerGender  int
	ReplayFile        string

	// Storage
	RawPath       string
	DBDriver      string
	DBPath        string
	DSN           string
	MongoDatabase string
	Table         string
	MetadataTable string
	RunsTable     string
	UniqueColumns []string
	RetentionDays int

	// Scheduling
	Schedule      string
	WatchDebounce time.Duration
	PhaseTimeout  time.Duration
	MetricsAddr   string
	ReportsDir    string

	// AWS
	AWSRegion   string
	S3Bucket    string
	S3Prefix    string
	SQSQueueURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		APIBaseURL:        "https://fakerapi.it/api/v2/persons",
		BirthdayStartDate: "1960-01-01",
		APITimeout:        10 * time.Second,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		Genders:           []string{"male", "female"},
		RecordsPerBatch:   1000,
		BatchesPerGender:  15,

		RawPath:       "/app/data_lake/raw",
		DBDriver:      DriverSQLite,
		DBPath:        "/app/db/user_metrics.db",
		MongoDatabase: "user_metrics",
		Table:         "persons_anonymized",
		MetadataTable: "metadata_log",
		RunsTable:     "pipeline_runs",
		UniqueColumns: []string{"country", "city", "age_group", "email"},
		RetentionDays: 30,

		Schedule:      "0 7 * * *",
		WatchDebounce: 2 * time.Second,
		MetricsAddr:   ":9090",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// BindFlags registers every option on fs, storing into c. Defaults come
// from the current contents of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.APIBaseURL, "api-base-url", c.APIBaseURL, "Persons API endpoint.")
	fs.StringVar(&c.BirthdayStartDate, "birthday-start-date", c.BirthdayStartDate, "Earliest birthday requested from the API (YYYY-MM-DD).")
	fs.DurationVar(&c.APITimeout, "api-timeout", c.APITimeout, "Timeout of a single API request; a bare integer is seconds.")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Attempts per batch before it is given up.")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Base delay of the exponential retry backoff; a bare integer is seconds (env RETRY_DELAY or RETRY_DELAY_SECONDS).")
	fs.StringSliceVar(&c.Genders, "genders", c.Genders, "Categories fetched in parallel, one worker each.")
	fs.IntVar(&c.RecordsPerBatch, "records-per-batch", c.RecordsPerBatch, "Records requested per API call.")
	fs.IntVar(&c.BatchesPerGender, "batches-per-gender", c.BatchesPerGender, "Sequential batches per category.")
	fs.StringVar(&c.ReplayFile, "replay-file", c.ReplayFile, "Read records from a saved API response instead of the API.")

	fs.StringVar(&c.RawPath, "raw-path", c.RawPath, "Root of the partitioned snapshot tree.")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "Warehouse backend: sqlite, postgres, mysql or mongodb.")
	fs.StringVar(&c.DBPath, "db-path", c.DBPath, "Embedded database file (sqlite).")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "Connection string for postgres, mysql or mongodb.")
	fs.StringVar(&c.MongoDatabase, "mongo-database", c.MongoDatabase, "Database name (mongodb).")
	fs.StringVar(&c.Table, "table", c.Table, "Analytical table name.")
	fs.StringVar(&c.MetadataTable, "metadata-table", c.MetadataTable, "Ingestion metadata log table name.")
	fs.StringVar(&c.RunsTable, "runs-table", c.RunsTable, "Pipeline run log table name.")
	fs.StringSliceVar(&c.UniqueColumns, "unique-columns", c.UniqueColumns, "Columns used for the distinct-row diagnostic.")
	fs.IntVar(&c.RetentionDays, "retention-days", c.RetentionDays, "Metadata entries older than this are pruned.")

	fs.StringVar(&c.Schedule, "schedule", c.Schedule, "Cron expression (UTC) of the daily run.")
	fs.DurationVar(&c.WatchDebounce, "watch-debounce", c.WatchDebounce, "Quiet period before a new snapshot triggers a load.")
	fs.DurationVar(&c.PhaseTimeout, "phase-timeout", c.PhaseTimeout, "Wall-clock limit of one pipeline phase; 0 means none.")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Listen address of the /metrics endpoint; empty disables it.")
	fs.StringVar(&c.ReportsDir, "reports-dir", c.ReportsDir, "Directory of .sql report files overriding the built-in set.")

	fs.StringVar(&c.AWSRegion, "aws-region", c.AWSRegion, "AWS region for S3 and SQS.")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "Mirror snapshots to this bucket when set.")
	fs.StringVar(&c.S3Prefix, "s3-prefix", c.S3Prefix, "Key prefix of mirrored snapshots.")
	fs.StringVar(&c.SQSQueueURL, "sqs-queue-url", c.SQSQueueURL, "Publish a message after every successful load when set.")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error.")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log encoding: json or console.")
}

// Load applies environment variables and the config file named by the
// "config" flag to every flag not set on the command line. Environment
// variables are the upper-cased flag names with dashes replaced by
// underscores, e.g. RAW_PATH. Durations also accept a bare integer as
// seconds.
func Load(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return Error.Wrap(err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Error.Wrap(err)
		}
	}

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return Error.New("reading configuration file %q: %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return Error.New("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// GetString is empty for a real list coming from a config file.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if f.Value.Type() == "duration" {
			value = secondsToDuration(value)
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			flagErr = sv.Replace(splitList(value))
			return
		}
		flagErr = f.Value.Set(value)
	})
	return Error.Wrap(flagErr)
}

// envAliases lists environment names accepted for a flag besides its
// own, checked in order.
var envAliases = map[string][]string{
	"retry-delay": {"RETRY_DELAY", "RETRY_DELAY_SECONDS"},
}

// secondsToDuration turns a bare integer such as "10" into "10s".
func secondsToDuration(value string) string {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return value
	}
	return (time.Duration(n) * time.Second).String()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the options that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var group errs.Group
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			group.Add(Error.New("db-path is required for sqlite"))
		}
	case DriverPostgres, DriverMySQL, DriverMongo:
		if c.DSN == "" {
			group.Add(Error.New("dsn is required for %s", c.DBDriver))
		}
	default:
		group.Add(Error.New("unsupported db-driver %q", c.DBDriver))
	}
	if c.MaxRetries < 1 {
		group.Add(Error.New("max-retries must be at least 1"))
	}
	if len(c.Genders) == 0 {
		group.Add(Error.New("at least one gender is required"))
	}
	if c.RecordsPerBatch < 1 || c.BatchesPerGender < 0 {
		group.Add(Error.New("records-per-batch must be positive and batches-per-gender non-negative"))
	}
	if c.PhaseTimeout < 0 {
		group.Add(Error.New("phase-timeout must not be negative"))
	}
	if c.RetentionDays < 0 {
		group.Add(Error.New("retention-days must not be negative"))
	}
	if _, err := time.Parse("2006-01-02", c.BirthdayStartDate); c.BirthdayStartDate != "" && err != nil {
		group.Add(Error.New("birthday-start-date: %v", err))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		group.Add(Error.New("schedule: %v", err))
	}
	return group.Err()
}

// ParseRunDate validates a YYYY-MM-DD run date. An empty string means
// today in UTC.
func ParseRunDate(s string, now time.Time) (string, error) {
	if s == "" {
		return now.UTC().Format("2006-01-02"), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", Error.New("invalid run date %q: expected YYYY-MM-DD", s)
	}
	return d.Format("2006-01-02"), nil
}
