package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"

	"ordinal-forge/internal/store"
)

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recorded runs, or the epochs of one run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "Path to the run ledger database", Value: "runs.db"},
			&cli.StringFlag{Name: "run", Usage: "Run id to show epochs for"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of runs to list", Value: 20},
		},
		Action: runHistory,
	}
}

func runHistory(ctx context.Context, cmd *cli.Command) (err error) {
	st, err := store.Open(cmd.String("db"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	out := cmd.Root().Writer
	if id := cmd.String("run"); id != "" {
		run, err := st.GetRun(ctx, id)
		if err != nil {
			return err
		}
		epochs, err := st.ListEpochs(ctx, id)
		if err != nil {
			return err
		}
		return renderEpochs(out, run, epochs)
	}

	runs, err := st.ListRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return renderRuns(out, runs)
}

func renderRuns(w io.Writer, runs []store.Run) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Target", "Status", "Started", "Duration"})
	for _, r := range runs {
		duration := ""
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{r.ID, r.Target, r.Status, r.StartedAt.Format(time.RFC3339), duration})
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func renderEpochs(w io.Writer, run store.Run, epochs []store.Epoch) error {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s %s (%s)", run.ID, run.Target, run.Status))
	t.AppendHeader(table.Row{"Epoch", "Train Loss", "Samples/s", "Accuracy", "Correlation", "Checkpoint"})
	for _, e := range epochs {
		t.AppendRow(table.Row{
			e.Epoch,
			fmt.Sprintf("%.4f", e.TrainLoss),
			fmt.Sprintf("%.1f", e.SamplesPerSec),
			fmt.Sprintf("%.4f", e.Accuracy),
			fmt.Sprintf("%.4f", e.Correlation),
			e.Checkpoint,
		})
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
