package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazetune/internal/alerting"
	"github.com/good-yellow-bee/blazetune/internal/state"
	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// Check statuses.
const (
	statusOK   = "ok"
	statusWarn = "warn"
	statusFail = "fail"
)

var errCheckFailed = errors.New("check failed")

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, rule and state",
	Long: `Validate the configuration, confirm that the rule document exists and
that its trigger field can be located, and read the last stored EMA.
Nothing is written and the log backend is not queried.

Examples:
  blazetune check
  blazetune check --config /etc/blazetune/blazetune.yaml -o json`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		outputChecks(cmd.OutOrStdout(), []checkResult{{Name: "config", Status: statusFail, Detail: err.Error()}})
		return errCheckFailed
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	results := []checkResult{{
		Name:   "config",
		Status: statusOK,
		Detail: fmt.Sprintf("source %s, period %d, k %g", cfg.Source.Backend, cfg.Threshold.Period, cfg.Threshold.K),
	}}
	if r, ok := checkSeverity(cfg); ok {
		results = append(results, r)
	}
	results = append(results, checkRule(cfg.Rule)...)

	stateResult := checkResult{Name: "state", Status: statusOK}
	store, err := state.New(ctx, cfg.State, logger)
	if err == nil {
		defer store.Close()
		var (
			last float64
			ok   bool
		)
		last, ok, err = store.LoadLast(ctx)
		switch {
		case err != nil:
		case ok:
			stateResult.Detail = fmt.Sprintf("%s backend, last EMA %.2f", cfg.State.Backend, last)
		default:
			stateResult.Detail = fmt.Sprintf("%s backend, no usable EMA (next run bootstraps)", cfg.State.Backend)
		}
	}
	if err != nil {
		stateResult.Status, stateResult.Detail = statusFail, err.Error()
	}
	results = append(results, stateResult)

	outputChecks(cmd.OutOrStdout(), results)
	for _, r := range results {
		if r.Status == statusFail {
			return errCheckFailed
		}
	}
	return nil
}

// checkSeverity warns about a severity the ClickHouse log table can never
// hold: levels are stored lowercase and matched exactly.
func checkSeverity(cfg *config.Config) (checkResult, bool) {
	if cfg.Source.Backend != config.BackendClickHouse {
		return checkResult{}, false
	}
	if sev := cfg.Query.Severity; sev != strings.ToLower(sev) {
		return checkResult{
			Name:   "query.severity",
			Status: statusWarn,
			Detail: fmt.Sprintf("%q never matches the lowercase levels stored in ClickHouse; use %q", sev, strings.ToLower(sev)),
		}, true
	}
	return checkResult{}, false
}

func checkRule(cfg config.RuleConfig) []checkResult {
	updater, err := alerting.NewUpdater(cfg)
	if err != nil {
		return []checkResult{{Name: "rule", Status: statusFail, Detail: err.Error()}}
	}

	field := cfg.Field
	if cfg.Format == config.RuleFormatBlazeLog {
		field = cfg.Name + ".condition.threshold"
	}

	current, found, err := updater.Current()
	switch {
	case err != nil:
		return []checkResult{{Name: "rule", Status: statusFail, Detail: err.Error()}}
	case !found:
		return []checkResult{{Name: "rule", Status: statusFail, Detail: fmt.Sprintf("%s: field %s not found", cfg.Path, field)}}
	}

	results := []checkResult{{
		Name:   "rule",
		Status: statusOK,
		Detail: fmt.Sprintf("%s: %s = %d", cfg.Path, field, current),
	}}

	if cfg.Format == config.RuleFormatBlazeLog {
		rules, err := alerting.LoadRulesFromFile(cfg.Path)
		if err != nil {
			return append(results, checkResult{Name: "rule.valid", Status: statusFail, Detail: err.Error()})
		}
		if r := alerting.FindRule(rules, cfg.Name); r != nil && !r.IsEnabled() {
			results = append(results, checkResult{Name: "rule.enabled", Status: statusWarn, Detail: fmt.Sprintf("rule %q is disabled", cfg.Name)})
		}
	}
	return results
}

func outputChecks(w io.Writer, results []checkResult) {
	switch GetOutput() {
	case "json":
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Fprintln(w, string(data))
	case "plain":
		for _, r := range results {
			fmt.Fprintf(w, "%s: %s %s\n", r.Name, r.Status, r.Detail)
		}
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAIL")
		for _, r := range results {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Status, r.Detail)
		}
		tw.Flush()
	}
}
