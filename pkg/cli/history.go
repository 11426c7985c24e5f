package cli

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"conductor/pkg/persistence"
)

//nolint:gochecknoglobals // Cobra command tree.
var historyCmd = &cobra.Command{
	Use:   "history <issue-url-or-id>",
	Short: "Show an issue's state transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStatusApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	issue, err := a.store.GetIssueByURL(args[0])
	if err != nil {
		issue, err = a.store.GetIssue(args[0])
		if err != nil {
			return err
		}
	}

	transitions, err := a.store.ListTransitions(persistence.EntityIssue, issue.ID)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(issue.URL)
	t.AppendHeader(table.Row{"When", "From", "To", "Reason"})
	for _, tr := range transitions {
		t.AppendRow(table.Row{
			tr.Timestamp.Local().Format(time.DateTime),
			tr.FromState,
			tr.ToState,
			tr.Reason,
		})
	}
	t.Render()
	return nil
}
