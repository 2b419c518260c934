// Package main is the funnelflow command: engine workers, the scheduler, the operational
// API and offline graph validation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "funnelflow",
		Usage:                 "Run CRM automation graphs against live business events",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewWorkerCommand(),
			NewSchedulerCommand(),
			NewAPICommand(),
			NewStandaloneCommand(),
			NewValidateCommand(),
		},
	}
}
