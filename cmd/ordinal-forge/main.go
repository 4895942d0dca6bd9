package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"ordinal-forge/internal/logging"
)

var version = "v0.0.1-default"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log, closeLog, lerr := logging.New(logging.Options{})
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
			os.Exit(1)
		}
		log.Errorw("fatal error", "error", err)
		_ = closeLog()
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "ordinal-forge",
		Version: version,
		Usage:   "Fine-tune an ordinal text classifier with a combined penalty and correlation loss",
		Commands: []*cli.Command{
			trainCmd(),
			historyCmd(),
			penaltyCmd(),
		},
	}
}
