package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conductor/pkg/orch"
)

//nolint:gochecknoglobals // Cobra command tree.
var (
	cancelItemURL string

	cancelCmd = &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run, or one of its work items with --item",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}

	pauseCmd = &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a run; in-flight work finishes, nothing new starts",
		Args:  cobra.ExactArgs(1),
		RunE:  runPause,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run's pending work items",
		RunE:  runResume,
		Args:  cobra.ExactArgs(1),
	}
)

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	cancelCmd.Flags().StringVar(&cancelItemURL, "item", "", "cancel only this issue's work item")
	rootCmd.AddCommand(cancelCmd, pauseCmd, resumeCmd)
}

// Cancel and pause only need the store: they settle persisted state and,
// when the run is live in another process, that process observes the
// status change on its next poll.
func runCancel(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cancelItemURL != "" {
		if err := a.orch.CancelItem(args[0], cancelItemURL); err != nil {
			return err
		}
		fmt.Printf("cancelled %s in run %s\n", cancelItemURL, args[0])
		return nil
	}

	if err := a.orch.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("cancelled run %s\n", args[0])
	return nil
}

func runPause(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.Pause(args[0]); err != nil {
		return err
	}
	fmt.Printf("paused run %s\n", args[0])
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() { <-ctx.Done(); stop() }()

	summary, err := a.orch.ResumeRun(ctx, args[0], orch.RunOptions{OnProgress: printProgress})
	if err != nil {
		return err
	}

	printSummary(summary)
	if !summary.Success {
		return fmt.Errorf("run %s stopped: %s", summary.RunID, summary.StopReason)
	}
	return nil
}
