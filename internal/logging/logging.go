// Package logging builds the logrus logger shared by all Tally components.
package logging

import (
	"errors"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tallyhq/tally/internal/config"
)

var errLogLevelNotRecognized = errors.New("log level not recognized")

// buildFormatter decorates every entry with the binary's build information.
type buildFormatter struct {
	logrus.Formatter
	version, goVersion string
}

func (f *buildFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data["build_version"] = f.version
	e.Data["build_go_version"] = f.goVersion
	return f.Formatter.Format(e)
}

// New returns a logger configured from cfg. An unknown level falls back to
// info and is reported once through the returned logger.
func New(cfg config.LoggingConfig, version string) *logrus.Logger {
	return NewWithOutput(cfg, version, os.Stderr)
}

// NewWithOutput is New writing to out.
func NewWithOutput(cfg config.LoggingConfig, version string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	var base logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if strings.EqualFold(cfg.Format, "json") {
		base = &logrus.JSONFormatter{}
	}
	logger.SetFormatter(&buildFormatter{Formatter: base, version: version, goVersion: runtime.Version()})

	level, err := levelFromString(cfg.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithField("level", cfg.Level).WithError(err).Warn("falling back to info log level")
	} else {
		logger.SetLevel(level)
	}
	return logger
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// levelFromString converts a case-insensitive level name to a logrus level.
func levelFromString(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "panic":
		return logrus.PanicLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	default:
		return 0, errLogLevelNotRecognized
	}
}
