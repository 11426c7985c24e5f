package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"conductor/pkg/events"
	"conductor/pkg/orch"
)

//nolint:gochecknoglobals // Cobra command tree.
var (
	runMaxConcurrent int
	runBudgetUSD     float64
	runMaxIssues     int
	runDryRun        bool
	runFailFast      bool
	runSkipConflicts bool
	runConflictPol   string
	runLabel         string
	runYes           bool

	runCmd = &cobra.Command{
		Use:   "run [issue-url...]",
		Short: "Work a batch of issues in parallel",
		Long: `Run works each issue on its own branch and worktree, engaging the
configured AI backend under the configured budget ceilings. With no
issue URLs, open issues are fetched from the repository (optionally
filtered by --label).`,
		RunE: runRun,
	}
)

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "worker pool size (0 = config default)")
	runCmd.Flags().Float64Var(&runBudgetUSD, "budget", 0, "spend ceiling for this run in USD (0 = config ceilings only)")
	runCmd.Flags().IntVar(&runMaxIssues, "max-issues", 0, "stop after this many issues resolve (0 = all)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "engage the backend but never push or open PRs")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "stop claiming new issues after the first failure")
	runCmd.Flags().BoolVar(&runSkipConflicts, "skip-conflict-check", false, "disable cross-workspace conflict detection")
	runCmd.Flags().StringVar(&runConflictPol, "conflict-policy", "", "override the configured conflict policy (skip, warn, block)")
	runCmd.Flags().StringVar(&runLabel, "label", "", "when fetching issues, only those with this label")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runConflictPol != "" {
		cfg.Conflict.Policy = runConflictPol
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// After the first interrupt unregister the handler, so a second one
	// falls through to the default action and kills the process.
	go func() { <-ctx.Done(); stop() }()

	urls := args
	if len(urls) == 0 {
		issues, err := a.gh.ListOpenIssues(ctx, runLabel, runMaxIssues)
		if err != nil {
			return fmt.Errorf("failed to list open issues: %w", err)
		}
		for _, issue := range issues {
			urls = append(urls, issue.URL)
		}
	}
	if len(urls) == 0 {
		fmt.Println("No issues to work.")
		return nil
	}

	if !runYes && !runDryRun {
		if !confirmRun(urls) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	summary, err := a.orch.Run(ctx, urls, orch.RunOptions{
		MaxConcurrent:     runMaxConcurrent,
		BudgetUSD:         runBudgetUSD,
		MaxIssues:         runMaxIssues,
		DryRun:            runDryRun,
		SkipConflictCheck: runSkipConflicts,
		FailFast:          runFailFast,
		OnProgress:        printProgress,
	})
	if err != nil {
		return err
	}

	printSummary(summary)
	if !summary.Success {
		return fmt.Errorf("run %s stopped: %s", summary.RunID, summary.StopReason)
	}
	return nil
}

// confirmRun asks before spending money. Non-interactive invocations
// (pipes, CI) proceed without prompting; --yes covers scripted runs that
// do have a terminal.
func confirmRun(urls []string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}

	fmt.Printf("About to work %d issue(s):\n", len(urls))
	for _, url := range urls {
		fmt.Printf("  %s\n", url)
	}
	fmt.Print("Proceed? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// printProgress renders one event stream line per lifecycle edge.
func printProgress(e events.Event) {
	switch e.Type {
	case events.RunStarted:
		fmt.Printf("run %s started: %d issue(s)\n", e.RunID, e.Total)
	case events.IssueStarted:
		fmt.Printf("  -> %s\n", e.IssueURL)
	case events.IssueCompleted:
		if e.PRURL != "" {
			fmt.Printf("  ok %s ($%.4f) %s\n", e.IssueURL, e.CostUSD, e.PRURL)
		} else {
			fmt.Printf("  ok %s ($%.4f)\n", e.IssueURL, e.CostUSD)
		}
	case events.IssueFailed:
		fmt.Printf("  FAIL %s: %s\n", e.IssueURL, e.Error)
	case events.IssueSkipped:
		fmt.Printf("  skip %s: %s\n", e.IssueURL, e.Reason)
	case events.ConflictFound:
		fmt.Printf("  conflict: %s\n", e.Reason)
	case events.RunPaused:
		fmt.Printf("run %s paused\n", e.RunID)
	case events.RunCompleted, events.RunError:
		fmt.Printf("run %s finished: %s\n", e.RunID, e.Reason)
	}
}

func printSummary(summary *orch.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Issue", "Status", "Cost (USD)", "PR"})
	for _, item := range summary.Items {
		t.AppendRow(table.Row{item.IssueURL, item.Status, fmt.Sprintf("%.4f", item.CostUSD), item.PRURL})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("run %s (%s)", summary.RunID, summary.StopReason),
		fmt.Sprintf("%d/%d done", summary.Counts.Completed, summary.Counts.Total()),
		fmt.Sprintf("%.4f", summary.TotalCostUSD),
		summary.Duration.Round(time.Second).String(),
	})
	t.Render()
}
