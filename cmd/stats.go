package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job processing statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		lookback, _ := cmd.Flags().GetInt("lookback-hours")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackHours
		}

		snap, err := env.Query().Stats(ctx, lookback, monitoring.StuckAfter(cfg.Monitoring))
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatStats(cmd.OutOrStdout(), snap)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("lookback-hours", 0, "window for rates and averages (default monitoring.lookback_hours)")
	statsCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes a snapshot to out.
func formatStats(out io.Writer, s *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Last %dh:\t%d jobs\n", s.LookbackHours, s.Total)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  In flight:\t%d\n", s.Pending+s.Processing)
	_, _ = fmt.Fprintf(w, "  Failure rate:\t%.1f%%\n", s.FailureRate*100)
	if s.AvgScore > 0 {
		_, _ = fmt.Fprintf(w, "  Avg score:\t%.2f\n", s.AvgScore)
	}
	_, _ = fmt.Fprintf(w, "Stuck:\t%d\n", s.Stuck)
	if s.QueueDepth >= 0 {
		_, _ = fmt.Fprintf(w, "Queue depth:\t%d\n", s.QueueDepth)
	}
	_, _ = fmt.Fprintln(w, "All time:")
	for _, st := range model.AllJobStatuses() {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, s.AllTime[st])
	}
	_ = w.Flush()
}
