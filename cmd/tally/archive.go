package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tallyhq/tally/internal/app"
	"github.com/tallyhq/tally/internal/checkpoint"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/stream/segment"
)

// archiveCommand runs one archive pass against the data directory. It opens
// the segment log and checkpoint database itself, so it is meant for a
// stopped server; a running server exposes POST /archive instead.
func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "upload fully processed log segments to object storage",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "keep",
				Usage: "keep archived segments in the local log",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "list archived objects instead of archiving",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Log.Backend != config.LogBackendSegment {
				return fmt.Errorf("archive requires the segment log backend, got %s", cfg.Log.Backend)
			}
			logger := newLogger(c, cfg)

			log, err := segment.Open(segment.Options{
				Dir:            cfg.Log.Dir,
				Shards:         cfg.Log.Shards,
				MaxSegmentSize: int64(cfg.Log.SegmentSizeMB) * 1024 * 1024,
				Logger:         logger,
			})
			if err != nil {
				return fmt.Errorf("failed to open segment log: %w", err)
			}
			defer log.Close()

			checkpoints, err := checkpoint.Open(cfg.CheckpointPath())
			if err != nil {
				return fmt.Errorf("failed to open checkpoints: %w", err)
			}
			defer checkpoints.Close()

			archiver, err := app.NewArchiver(c.Context, cfg, log, checkpoints, logger, nil)
			if err != nil {
				return err
			}

			if c.Bool("list") {
				objects, err := archiver.List(c.Context)
				if err != nil {
					return err
				}
				for _, o := range objects {
					fmt.Fprintln(c.App.Writer, o)
				}
				return nil
			}

			report, err := archiver.Run(c.Context)
			if err != nil {
				return err
			}
			for _, o := range report.Uploaded {
				fmt.Fprintf(c.App.Writer, "uploaded %s\n", o)
			}
			fmt.Fprintf(c.App.Writer, "%d uploaded, %d pending\n", len(report.Uploaded), report.Pending)
			return nil
		},
	}
}
