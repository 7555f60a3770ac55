package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/logging"
)

// loadConfig layers configuration: defaults or the config file, then dotenv
// files and the environment, then command-line flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadEnvFiles(c.StringSlice("env-file")...); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if c.IsSet("mode") {
		cfg.Mode = config.Mode(c.String("mode"))
	}
	if v := c.String("http-addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := c.String("grpc-addr"); v != "" {
		cfg.GRPC.Addr = v
	}
	if c.IsSet("grpc") {
		cfg.GRPC.Enabled = c.Bool("grpc")
	}
	if c.IsSet("keep") {
		cfg.Archive.Keep = c.Bool("keep")
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(c *cli.Context, cfg *config.Config) *logrus.Logger {
	return logging.NewWithOutput(cfg.Logging, version, c.App.ErrWriter)
}
