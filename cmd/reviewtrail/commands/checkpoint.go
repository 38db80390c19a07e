package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"reviewtrail/internal/components/db"
	"reviewtrail/internal/traversal"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var checkpointRuns int64

func init() {
	checkpointCmd.Flags().Int64Var(&checkpointRuns, "runs", 10, "How many recent runs to list.")
	rootCmd.AddCommand(checkpointCmd)
}

func formatUnix(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(time.DateTime)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [--runs <n>]",
	Short: "Shows the progress of the checkpointed run and the recent runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		config, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		state, err := traversal.LoadRunState(config.Checkpoint, 0)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Println("no checkpoint at", config.Checkpoint)
		case err != nil:
			return err
		default:
			fmt.Printf("run %s started %s\n", state.RunID, state.StartedAt.Format(time.DateTime))
			t := newTable()
			t.AppendHeader(table.Row{"Platform", "Finished", "Failed", "Done", "Category", "Pass", "Item"})
			for name, p := range state.Platforms {
				t.AppendRow(table.Row{name, len(p.Finished), p.Failed, p.Done, p.Cursor.Category, p.Cursor.Pass, p.Cursor.ItemID})
			}
			t.SortBy([]table.SortBy{{Name: "Platform", Mode: table.Asc}})
			t.Render()
		}

		conn, err := db.Open(ctx, config.Database)
		if err != nil {
			return err
		}
		defer conn.Close()
		runs, err := db.New(conn).ListRecentRuns(context.WithoutCancel(ctx), checkpointRuns)
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Run", "Platform", "Started", "Finished", "Status"})
		for _, r := range runs {
			finished := ""
			if r.FinishedAt.Valid {
				finished = formatUnix(r.FinishedAt.Int64)
			}
			t.AppendRow(table.Row{r.ID, r.Platform, formatUnix(r.StartedAt), finished, r.Status})
		}
		t.Render()
		return nil
	},
}
