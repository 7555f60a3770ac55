// Command tally runs the event pipeline: ingestion, batch processing and the
// analytics query service, in one process or split by mode.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tally: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "tally",
		Usage:   "ingest events, store them by id and timestamp, query them by category",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file (YAML or JSON)",
				EnvVars: []string{"TALLY_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before reading the environment",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "base directory for all local data files",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			archiveCommand(),
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "tally version %s (commit: %s)\n", version, commit)
					return nil
				},
			},
		},
	}
}
