package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kggtools/kgg-cli/internal/config"
	"github.com/kggtools/kgg-cli/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent conversion runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all archived runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryClear(cmd.Context())
		},
	})

	return cmd
}

func openHistoryStore() (*history.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := config.HistoryDBPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path, cfg.HistoryLimit)
}

func runHistoryList(ctx context.Context, limit int) error {
	store, err := openHistoryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		logger.Infof("No runs recorded yet")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleLight)
	} else {
		t.SetStyle(table.StyleDefault)
	}
	t.AppendHeader(table.Row{"When", "Files", "OK", "Failed", "Duration", "Format", "Output"})

	for _, rec := range records {
		status := fmt.Sprintf("%d", rec.Success)
		if rec.Cancelled {
			status += " (cancelled)"
		}
		t.AppendRow(table.Row{
			rec.Timestamp.Local().Format("2006-01-02 15:04"),
			rec.Total,
			status,
			rec.Failed,
			formatRunDuration(rec.DurationMs),
			rec.OutputFormat,
			rec.OutputDir,
		})
	}
	t.Render()
	return nil
}

func runHistoryClear(ctx context.Context) error {
	store, err := openHistoryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return err
	}
	logger.Infof("Removed %d archived run(s)", count)
	return nil
}
