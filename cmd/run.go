package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the intake pipeline for one approved case",
	Long:  "Loads a case record from a YAML or JSON file and pushes it into an existing matter. The run outcome is printed as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		file, _ := cmd.Flags().GetString("file")
		req, err := loadCaseFile(file)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &req)

		env, err := initPipeline(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		quiet, _ := cmd.Flags().GetBool("quiet")
		observe := func(ev model.Event) {
			if !quiet {
				zap.L().Info("run: progress", zap.String("step", string(ev.Step)), zap.String("detail", ev.Detail))
			}
		}

		out := env.Pipeline.Run(ctx, req.pipelineRequest(), observe)
		if err := writeOutcome(os.Stdout, out); err != nil {
			return err
		}
		return runError(out)
	},
}

// runError summarizes a failed outcome with what the operator should do next.
func runError(out *model.RunOutcome) error {
	if out.Success {
		return nil
	}
	hint := "fix the case record or CRM setup before re-running"
	switch {
	case out.Retry == model.DispositionReauthorize:
		hint = "re-authorize with `intake-cli auth url`, then re-run"
	case out.Reason.Retryable():
		hint = "safe to re-run"
	}
	return eris.Errorf("run: failed at %s (%s, %s): %s", out.FailedStep, out.Reason, out.Retry, hint)
}

// applyRunFlags overrides case file values with any flags the user set.
func applyRunFlags(cmd *cobra.Command, req *approveRequest) {
	if cmd.Flags().Changed("matter-id") {
		req.MatterID, _ = cmd.Flags().GetInt64("matter-id")
	}
	if cmd.Flags().Changed("attorney-id") {
		req.AttorneyID, _ = cmd.Flags().GetInt64("attorney-id")
	}
	if cmd.Flags().Changed("calendar-id") {
		req.CalendarID, _ = cmd.Flags().GetInt64("calendar-id")
	}
	if cmd.Flags().Changed("client-email") {
		req.ClientEmail, _ = cmd.Flags().GetString("client-email")
	}
	if cmd.Flags().Changed("run-id") {
		req.RunID, _ = cmd.Flags().GetString("run-id")
	}
}

func writeOutcome(w io.Writer, out *model.RunOutcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(out), "write outcome")
}

func init() {
	runCmd.Flags().String("file", "", "case record file (YAML or JSON)")
	runCmd.Flags().Int64("matter-id", 0, "target matter id")
	runCmd.Flags().Int64("attorney-id", 0, "responsible attorney user id (default: authenticated user)")
	runCmd.Flags().Int64("calendar-id", 0, "calendar for the statute entry (default: attorney's calendar)")
	runCmd.Flags().String("client-email", "", "client email address")
	runCmd.Flags().String("run-id", "", "run id (default: generated)")
	runCmd.Flags().Bool("quiet", false, "suppress progress logging")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}
