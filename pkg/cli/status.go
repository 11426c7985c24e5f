package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"conductor/pkg/persistence"
)

//nolint:gochecknoglobals // Cobra command tree.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runs, queue, budget, and circuit state",
	RunE:  runStatus,
}

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStatusApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := printRuns(a); err != nil {
		return err
	}
	if err := printQueue(a); err != nil {
		return err
	}
	return printBudget(a)
}

func printRuns(a *app) error {
	runs, err := a.store.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Runs")
	t.AppendHeader(table.Row{"ID", "Status", "Done", "Failed", "Pending", "Cost (USD)", "Started"})
	for _, run := range runs {
		counts, err := a.store.GetRunCounts(run.ID)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{
			run.ID,
			run.Status,
			fmt.Sprintf("%d/%d", counts.Completed, counts.Total()),
			counts.Failed,
			counts.Pending,
			fmt.Sprintf("%.4f", run.TotalCostUSD),
			run.CreatedAt.Local().Format(time.DateTime),
		})
	}
	t.Render()
	return nil
}

func printQueue(a *app) error {
	queued, err := a.store.ListIssuesByState(persistence.IssueQueued)
	if err != nil {
		return err
	}
	inProgress, err := a.store.ListIssuesByState(persistence.IssueInProgress)
	if err != nil {
		return err
	}
	if len(queued) == 0 && len(inProgress) == 0 {
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Queue")
	t.AppendHeader(table.Row{"Issue", "State", "Title"})
	for _, issue := range append(inProgress, queued...) {
		t.AppendRow(table.Row{issue.URL, issue.State, issue.Title})
	}
	t.Render()
	return nil
}

func printBudget(a *app) error {
	today, err := a.governor.SpentToday()
	if err != nil {
		return err
	}
	month, err := a.governor.SpentThisMonth()
	if err != nil {
		return err
	}

	fmt.Printf("Spend: $%.4f today", today)
	if a.cfg.Budget.DailyUSD > 0 {
		fmt.Printf(" (limit $%.2f)", a.cfg.Budget.DailyUSD)
	}
	fmt.Printf(", $%.4f this month", month)
	if a.cfg.Budget.MonthlyUSD > 0 {
		fmt.Printf(" (limit $%.2f)", a.cfg.Budget.MonthlyUSD)
	}
	fmt.Println()

	for _, class := range []string{"git-remote", "vcs-api", "ai-backend"} {
		fmt.Printf("Circuit %-10s %s\n", class, a.exec.BreakerState(class))
	}
	return nil
}
