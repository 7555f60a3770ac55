package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tallyhq/tally/internal/checkpoint"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/stream/segment"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &bytes.Buffer{}
	err := a.Run(append([]string{"tally"}, args...))
	return out.String(), err
}

// captureConfig runs a command that only loads configuration.
func captureConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var got *config.Config
	a := newApp()
	a.Writer = &bytes.Buffer{}
	a.Commands = append(a.Commands, &cli.Command{
		Name: "show",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode"},
			&cli.StringFlag{Name: "http-addr"},
		},
		Action: func(c *cli.Context) error {
			var err error
			got, err = loadConfig(c)
			return err
		},
	})
	require.NoError(t, a.Run(append([]string{"tally"}, args...)))
	return got
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tally version dev (commit: unknown)\n", out)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: ingest\nhttp:\n  addr: \":7000\"\nprocessor:\n  batch_size: 50\n"), 0644))

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("TALLY_PROCESSOR_BATCH_SIZE=75\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("TALLY_PROCESSOR_BATCH_SIZE") })

	cfg := captureConfig(t, "--config", path, "--env-file", envFile, "--data-dir", dir, "show", "--http-addr", ":7100")
	assert.Equal(t, config.ModeIngest, cfg.Mode)
	assert.Equal(t, ":7100", cfg.HTTP.Addr)
	assert.Equal(t, 75, cfg.Processor.BatchSize)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "log"), cfg.Log.Dir)

	cfg = captureConfig(t, "--config", path, "--env-file", envFile, "show", "--mode", "query")
	assert.Equal(t, config.ModeQuery, cfg.Mode)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := runCLI(t, "--env-file", "missing.env", "--data-dir", t.TempDir(), "serve", "--mode", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestArchiveCommand(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Resolve()

	log, err := segment.Open(segment.Options{Dir: cfg.Log.Dir, Shards: cfg.Log.Shards, MaxSegmentSize: 128})
	require.NoError(t, err)
	var last string
	for i := 0; i < 10; i++ {
		last, err = log.Append(context.Background(), "k", []byte(fmt.Sprintf("record-%02d", i)))
		require.NoError(t, err)
	}
	sealed := log.Segments()
	require.NotEmpty(t, sealed)
	partition := sealed[0].Partition
	require.NoError(t, log.Close())

	cps, err := checkpoint.Open(cfg.CheckpointPath())
	require.NoError(t, err)
	require.NoError(t, cps.Commit(cfg.Processor.Group, partition, last))
	require.NoError(t, cps.Close())

	args := []string{"--env-file", "missing.env", "--data-dir", dataDir}
	out, err := runCLI(t, append(args, "archive", "--keep")...)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("%d uploaded, 0 pending", len(sealed)))

	out, err = runCLI(t, append(args, "archive", "--list")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(sealed))
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "segments/"+partition+"/"), l)
	}
}
