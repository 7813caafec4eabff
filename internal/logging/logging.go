// Package logging builds the root zerolog logger for qt commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quittances/quittances/internal/config"
)

// New returns a logger writing to stderr (console format unless cfg.JSON)
// and, when cfg.File is set, JSON lines to a size-rotated file. The returned
// closer releases the file.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var console io.Writer = stderr
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, rotated)
		closer = rotated
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
