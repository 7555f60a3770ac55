package main

import (
	"github.com/urfave/cli/v2"

	"github.com/tallyhq/tally/internal/app"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the pipeline roles selected by --mode",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Value: "all",
				Usage: "roles to run: all, ingest, query, process",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "HTTP listen address",
			},
			&cli.StringFlag{
				Name:  "grpc-addr",
				Usage: "gRPC listen address",
			},
			&cli.BoolFlag{
				Name:  "grpc",
				Value: true,
				Usage: "serve the gRPC API",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := newLogger(c, cfg)

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := a.Start(c.Context); err != nil {
				return err
			}
			return a.WaitForShutdown(c.Context)
		},
	}
}
