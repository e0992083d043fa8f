package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/internal/alerting"
	"github.com/good-yellow-bee/blazetune/internal/audit"
	"github.com/good-yellow-bee/blazetune/internal/metrics"
	"github.com/good-yellow-bee/blazetune/internal/source"
	"github.com/good-yellow-bee/blazetune/internal/state"
	"github.com/good-yellow-bee/blazetune/internal/threshold"
	"github.com/good-yellow-bee/blazetune/internal/tuner"
	"github.com/good-yellow-bee/blazetune/pkg/config"
)

const insufficientDataMessage = "Not enough data to calculate EMA."

// metricsExportTimeout bounds the Pushgateway request after a run.
const metricsExportTimeout = 10 * time.Second

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recompute the threshold and update the rule",
	Long: `Fetch hourly event counts for the lookback window, compute the EMA
threshold, persist the new EMA, rewrite the rule's trigger count and append
an audit record.

When fewer hourly buckets than the EMA period are available the command
prints a notice, changes nothing and exits successfully.

Examples:
  # Tune using ./blazetune.yaml
  blazetune run

  # Show what would be written
  blazetune run --dry-run

  # Override the host set from the environment
  BLAZETUNE_QUERY_HOSTS="lily daisy" blazetune run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "compute the threshold without writing anything")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	rec := metrics.NewRecorder()
	info := config.GetBuildInfo()
	rec.SetBuildInfo(info.Version, info.Commit, info.BuildTime)
	defer exportMetrics(cfg.Metrics, rec, logger)

	runner, cleanup, err := newRunner(ctx, cfg, rec, logger, runDryRun)
	if err != nil {
		rec.SetOutcome(metrics.OutcomeFailure, time.Now())
		return err
	}
	defer cleanup()

	PrintVerbose("Fetching log data from %s...", cfg.Source.Backend)

	report, err := runner.Run(ctx)
	if tuner.IsInsufficientData(err) {
		logger.Info("skipping update", zap.Error(err))
		fmt.Fprintln(cmd.OutOrStdout(), insufficientDataMessage)
		return nil
	}
	if err != nil {
		return err
	}

	return outputRunReport(cmd.OutOrStdout(), report)
}

// newRunner wires the components described by cfg. cleanup closes the
// backends.
func newRunner(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, logger *zap.Logger, dryRun bool) (*tuner.Runner, func(), error) {
	calc, err := threshold.New(cfg.Threshold.Period, cfg.Threshold.K)
	if err != nil {
		return nil, nil, err
	}
	rule, err := alerting.NewUpdater(cfg.Rule)
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, nil, err
	}

	src, err := source.New(cfg.Source, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.New(ctx, cfg.State, logger)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close state store", zap.Error(err))
		}
		if err := src.Close(); err != nil {
			logger.Warn("close source", zap.Error(err))
		}
	}

	runner, err := tuner.New(tuner.Options{
		Source:     src,
		Store:      store,
		Calculator: calc,
		Rule:       rule,
		Audit:      auditLog,
		Metrics:    rec,
		Logger:     logger,
		Severity:   cfg.Query.Severity,
		Hosts:      cfg.Query.Hosts,
		Lookback:   cfg.Query.Lookback(),
		DryRun:     dryRun,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return runner, cleanup, nil
}

// exportMetrics writes the run metrics to the configured sinks. Failures
// are logged and never change the run's exit status.
func exportMetrics(cfg config.MetricsConfig, rec *metrics.Recorder, logger *zap.Logger) {
	if cfg.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Textfile); err != nil {
			logger.Warn("metrics textfile export failed", zap.String("path", cfg.Textfile), zap.Error(err))
		}
	}
	if cfg.Pushgateway != "" {
		ctx, cancel := context.WithTimeout(context.Background(), metricsExportTimeout)
		defer cancel()
		if err := rec.Push(ctx, cfg.Pushgateway, cfg.Job); err != nil {
			logger.Warn("metrics push failed", zap.String("url", cfg.Pushgateway), zap.Error(err))
		}
	}
}

func outputRunReport(w io.Writer, report *tuner.Report) error {
	switch GetOutput() {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		fmt.Fprintln(w, string(data))
	case "plain":
		fmt.Fprintln(w, thresholdLine(report))
	default:
		fmt.Fprintln(w, thresholdLine(report))
		fmt.Fprintln(w)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Run ID:\t%s\n", report.RunID)
		fmt.Fprintf(tw, "Window:\t%s → %s\n",
			report.WindowStart.UTC().Format(time.RFC3339), report.WindowEnd.UTC().Format(time.RFC3339))
		fmt.Fprintf(tw, "Buckets:\t%d\n", report.Buckets)
		if report.Seed != nil {
			fmt.Fprintf(tw, "Seed EMA:\t%.2f\n", *report.Seed)
		} else {
			fmt.Fprintf(tw, "Seed EMA:\t(none)\n")
		}
		fmt.Fprintf(tw, "EMA:\t%.2f\n", report.Result.EMA)
		fmt.Fprintf(tw, "StdDev:\t%.2f\n", report.Result.StdDev)
		fmt.Fprintf(tw, "Threshold:\t%.2f\n", report.Result.Threshold)
		if report.PreviousTriggerCount != nil {
			fmt.Fprintf(tw, "Trigger count:\t%d → %d\n", *report.PreviousTriggerCount, report.TriggerCount)
		} else {
			fmt.Fprintf(tw, "Trigger count:\t%d\n", report.TriggerCount)
		}
		tw.Flush()
	}
	return nil
}

func thresholdLine(report *tuner.Report) string {
	if report.DryRun {
		return fmt.Sprintf("Computed threshold: %.2f (dry run, nothing written)", report.Result.Threshold)
	}
	return fmt.Sprintf("Updated threshold: %.2f", report.Result.Threshold)
}
