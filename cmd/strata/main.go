package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "strata",
		Usage: "Tensor/pipeline parallel model bring-up",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := logLevel
			if debug {
				level = "debug"
			}
			log := logger.ForFormat(os.Stderr, logFormat, logger.ParseLevel(level))
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			launchCmd(),
			rendezvousCmd(),
			planCmd(),
			synthCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
