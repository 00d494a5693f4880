// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package logging builds the run logger. Console output follows the
// configured format; when a run workspace exists, a JSON copy of every
// entry also lands in reports/master_log.jsonl inside it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdiddy/review-engine/pkg/types"
)

const masterLogName = "master_log.jsonl"

// New builds a logger writing to w according to cfg.
func New(cfg types.LoggingConfig, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
}

// NewRunLogger builds a logger that writes console output to w and appends
// the JSON form of every entry to the run's master log under reportDir. The
// returned closer releases the log file.
func NewRunLogger(cfg types.LoggingConfig, w io.Writer, reportDir string) (zerolog.Logger, io.Closer, error) {
	path := filepath.Join(reportDir, masterLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("opening master log %s: %w", path, err)
	}

	zerolog.TimeFieldFormat = time.RFC3339

	console := w
	if strings.ToLower(cfg.Format) == "console" {
		console = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(console, f)).
		With().Timestamp().Logger().Level(parseLevel(cfg.Level))
	return logger, f, nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
