package app

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"usermetrics/internal/config"
	"usermetrics/internal/etl"
)

// Execute runs the command line args and releases every resource before
// returning.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := New(stdout, stderr)
	defer a.Shutdown()

	root := a.NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand builds the command tree. Every configuration option is a
// persistent flag, overlaid by environment variables and the --config file.
func (a *App) NewRootCommand() *cobra.Command {
	rc := &cobra.Command{
		Use:   "usermetrics",
		Short: "Ingest, anonymize and load synthetic person records.",
		Long: `usermetrics fetches person records from the persons API, masks
personal fields, writes a daily Parquet snapshot and replaces that day's
partition in the analytical table.

Each phase can be run on its own for a given date; "run" chains both and
"schedule" runs them every day.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || (cmd.HasParent() && cmd.Parent().Name() == "completion") {
				return nil
			}
			if err := config.Load(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			return a.Startup(cmd.Context())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	a.Config.BindFlags(rc.PersistentFlags())

	rc.AddCommand(a.newIngestCommand())
	rc.AddCommand(a.newTransformCommand())
	rc.AddCommand(a.newRunCommand())
	rc.AddCommand(a.newCleanupCommand())
	rc.AddCommand(a.newReportCommand())
	rc.AddCommand(a.newRunsCommand())
	rc.AddCommand(a.newScheduleCommand())
	rc.AddCommand(a.newWatchCommand())

	rc.SetOut(a.stdout)
	rc.SetErr(a.stderr)
	return rc
}

func addDateFlag(cmd *cobra.Command, date *string) {
	cmd.Flags().StringVarP(date, "date", "d", "", "Logical run date (YYYY-MM-DD); defaults to today in UTC.")
}

func (a *App) runDate(date string) (string, error) {
	return config.ParseRunDate(date, time.Now())
}

func (a *App) newIngestCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch, anonymize and snapshot one partition.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runDate, err := a.runDate(date)
			if err != nil {
				return err
			}
			res, err := a.pipeline.Ingest(cmd.Context(), runDate)
			if err != nil {
				return err
			}
			return a.printResults(res)
		},
	}
	addDateFlag(cmd, &date)
	return cmd
}

func (a *App) newTransformCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:     "transform",
		Aliases: []string{"load"},
		Short:   "Transform a partition snapshot and replace it in the analytical table.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runDate, err := a.runDate(date)
			if err != nil {
				return err
			}
			res, err := a.pipeline.Load(cmd.Context(), runDate)
			if err != nil {
				return err
			}
			return a.printResults(res)
		},
	}
	addDateFlag(cmd, &date)
	return cmd
}

func (a *App) newRunCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingest then transform for one partition.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runDate, err := a.runDate(date)
			if err != nil {
				return err
			}
			results, err := a.pipeline.Run(cmd.Context(), runDate)
			if perr := a.printResults(results...); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	addDateFlag(cmd, &date)
	return cmd
}

func (a *App) newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune metadata log entries older than the retention window.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.pipeline.Cleanup(cmd.Context())
			cmd.Printf("pruned %d metadata entries\n", n)
			return nil
		},
	}
}

func (a *App) newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report [name...]",
		Short: "Run read-only reports against the analytical table.",
		Long: `Runs the named reports, or every default report when no name is
given. Reports are .sql files; --reports-dir adds to or overrides the
built-in set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReports(cmd.Context(), args)
		},
	}
}

func (a *App) newRunsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the most recent pipeline runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.manager.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRuns(a.stdout, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list.")
	return cmd
}

func (a *App) newScheduleCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily pipeline on the configured cron schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.pipeline.Schedule(ctx, a.Config.Schedule); err != nil {
				return err
			}
			if watch {
				if err := a.pipeline.WatchSnapshots(ctx); err != nil {
					return err
				}
			}
			return a.serveUntilDone(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Also load partitions whose snapshot changes outside the schedule.")
	return cmd
}

func (a *App) newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Load a partition whenever its snapshot file is written.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.pipeline.WatchSnapshots(ctx); err != nil {
				return err
			}
			return a.serveUntilDone(ctx)
		},
	}
}

// serveUntilDone exposes /metrics, when configured, and blocks until ctx
// is cancelled.
func (a *App) serveUntilDone(ctx context.Context) error {
	errc := make(chan error, 1)
	if a.Config.MetricsAddr != "" {
		go func() { errc <- serveMetrics(ctx, a.log.Named("metrics"), a.Config.MetricsAddr) }()
	}
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

func (a *App) printResults(results ...*etl.SyncResult) error {
	for _, res := range results {
		if res == nil {
			continue
		}
		a.log.Debug("phase result", zap.Any("result", res))
	}
	return writeResults(a.stdout, results)
}
