package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/config"
)

func TestNew_JSONFormatCarriesBuildFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "debug", Format: "json"}, "v1.2.3", &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("partition", "shard-0001").Info("batch committed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "batch committed", line["msg"])
	assert.Equal(t, "shard-0001", line["partition"])
	assert.Equal(t, "v1.2.3", line["build_version"])
	assert.NotEmpty(t, line["build_go_version"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "verbose", Format: "text"}, "dev", &buf)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "falling back to info log level")
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]logrus.Level{
		"WARN":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"Error":   logrus.ErrorLevel,
		"trace":   logrus.TraceLevel,
		"":        logrus.InfoLevel,
	}
	for in, want := range tests {
		got, err := levelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := levelFromString("loud")
	assert.ErrorIs(t, err, errLogLevelNotRecognized)
}
