package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"ordinal-forge/internal/loss"
)

func penaltyCmd() *cli.Command {
	return &cli.Command{
		Name:  "penalty",
		Usage: "Print the hierarchical penalty matrix",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "classes", Usage: "Number of ordinal classes", Value: 5},
			&cli.FloatFlag{Name: "gamma", Usage: "Distance decay", Value: 0.8},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			p, err := loss.NewPenaltyMatrix(int(cmd.Int("classes")), cmd.Float("gamma"))
			if err != nil {
				return err
			}
			return renderPenalty(cmd.Root().Writer, p)
		},
	}
}

func renderPenalty(w io.Writer, p *loss.PenaltyMatrix) error {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("gamma=%g", p.Gamma()))
	header := table.Row{""}
	for j := 0; j < p.Size(); j++ {
		header = append(header, j)
	}
	t.AppendHeader(header)
	for i := 0; i < p.Size(); i++ {
		row := table.Row{i}
		for _, v := range p.Row(i) {
			row = append(row, fmt.Sprintf("%.4f", v))
		}
		t.AppendRow(row)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
