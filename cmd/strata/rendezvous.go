package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/rendezvous"
)

func rendezvousCmd() *cli.Command {
	var (
		addr        string
		maxWait     time.Duration
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "rendezvous",
		Usage: "Serve the key/value store ranks use to form communicators",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:7070",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "max-wait",
				Usage:       "longest long-poll a client may request",
				Value:       rendezvous.DefaultMaxWait,
				Destination: &maxWait,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			store := comm.NewMemStore()
			server := rendezvous.NewServer(store).WithMaxWait(maxWait)
			e := echo.New()
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting rendezvous", "address", addr, "max_wait", maxWait)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			err := sc.Start(ctx, e)
			log.Info("rendezvous stopped", "keys", store.Len())
			return err
		},
	}
}
