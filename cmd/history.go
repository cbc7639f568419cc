// -- cmd/history.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/chromefleet/internal/store"
)

var statusStyles = map[store.Status]lipgloss.Style{
	store.StatusSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	store.StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	store.StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

// newHistoryCmd creates the `history` command, which prints the latest runs
// from the ledger.
func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Shows the most recent runs recorded in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			url := a.cfg.Database().URL
			if url == "" {
				return fmt.Errorf("no run ledger configured, set database.url or %s_DATABASE_URL", envPrefix)
			}
			ledger, closeLedger, err := store.Open(ctx, url, a.logger)
			if err != nil {
				return err
			}
			defer closeLedger()
			return printHistory(ctx, cmd.OutOrStdout(), ledger, limit)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")
	return historyCmd
}

func printHistory(ctx context.Context, out io.Writer, ledger store.Ledger, limit int) error {
	runs, err := ledger.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Profile,
			r.Task,
			r.Mode,
			string(r.Status),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
			r.Error,
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STARTED", "PROFILE", "TASK", "MODE", "STATUS", "DURATION", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Bold(true)
			}
			if col == 4 {
				if s, ok := statusStyles[runs[row].Status]; ok {
					return s.Padding(0, 1)
				}
			}
			return base
		})
	fmt.Fprintln(out, t.Render())
	return nil
}
