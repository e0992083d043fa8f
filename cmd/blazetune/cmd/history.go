package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazetune/internal/state"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored EMA values",
	Long: `List the most recent EMA values from the configured state backend,
oldest first. Corrupt entries are skipped.

Examples:
  # Last 10 entries
  blazetune history

  # Everything, as JSON
  blazetune history -n 0 -o json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of entries to show (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	store, err := state.New(ctx, cfg.State, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.History(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("read EMA history: %w", err)
	}

	return outputHistory(cmd.OutOrStdout(), entries)
}

func outputHistory(w io.Writer, entries []state.Entry) error {
	switch GetOutput() {
	case "json":
		if entries == nil {
			entries = []state.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		fmt.Fprintln(w, string(data))
	case "plain":
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%.2f\n", e.Timestamp.UTC().Format(time.RFC3339), e.Value)
		}
	default:
		if len(entries) == 0 {
			fmt.Fprintln(w, "No EMA history.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIMESTAMP\tEMA\tRUN ID")
		for _, e := range entries {
			runID := e.RunID
			if runID == "" {
				runID = "-"
			}
			fmt.Fprintf(tw, "%s\t%.2f\t%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Value, runID)
		}
		tw.Flush()
	}
	return nil
}
