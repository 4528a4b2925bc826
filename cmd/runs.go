package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/monitoring"
	"github.com/sells-group/intake-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing and viewing recorded pipeline run outcomes.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		matterID, _ := cmd.Flags().GetInt64("matter-id")
		failed, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		runs, err := st.ListOutcomes(ctx, store.OutcomeFilter{
			MatterID:   matterID,
			FailedOnly: failed,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full outcome of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out, err := st.GetOutcome(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeOutcome(os.Stdout, out)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent runs by outcome and failure reason",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsStatsCmd.Flags().Int("hours", 24, "lookback window in hours")
	runsListCmd.Flags().Int64("matter-id", 0, "filter by matter id")
	runsListCmd.Flags().Bool("failed", false, "only show failed runs")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a table of run outcomes.
func formatRunsList(w io.Writer, runs []model.RunOutcome) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tMATTER\tSTEP\tRESULT\tREASON\tSTARTED\tDURATION")
	for _, r := range runs {
		result := "ok"
		step := r.Step
		if !r.Success {
			result = "failed"
			step = r.FailedStep
		}
		reason := "-"
		if r.Reason != "" {
			reason = fmt.Sprintf("%s (%s)", r.Reason, r.Retry)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.RunID),
			r.MatterID,
			step,
			result,
			reason,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r.FinishedAt.Sub(r.StartedAt)),
		)
	}
	tw.Flush() //nolint:errcheck
}

// formatRunStats writes a summary of a metrics snapshot. Reasons are sorted
// by count, most frequent first.
func formatRunStats(w io.Writer, snap *monitoring.MetricsSnapshot) {
	fmt.Fprintf(w, "Runs in the last %dh: %d (%d complete, %d failed, %.1f%% failure rate)\n",
		snap.LookbackHours, snap.RunsTotal, snap.RunsComplete, snap.RunsFailed, snap.FailRate*100)
	if snap.RunsTotal > 0 {
		fmt.Fprintf(w, "Average duration: %s\n", formatDuration(time.Duration(snap.AvgDurationMs)*time.Millisecond))
	}
	if len(snap.ByReason) == 0 {
		return
	}

	reasons := make([]model.FailureReason, 0, len(snap.ByReason))
	for r := range snap.ByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		ci, cj := snap.ByReason[reasons[i]], snap.ByReason[reasons[j]]
		if ci != cj {
			return ci > cj
		}
		return reasons[i] < reasons[j]
	})

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REASON\tDISPOSITION\tCOUNT")
	for _, r := range reasons {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", r, r.Disposition(), snap.ByReason[r])
	}
	tw.Flush() //nolint:errcheck
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

