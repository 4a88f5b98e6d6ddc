// Package enginelog sets up structured logging shared by every package
// in the engine: console plus an append-only log file, both through
// zerolog.
package enginelog

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Logger wraps the open log file handle alongside the zerolog.Logger
// that writes to it, so callers can close it on shutdown.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New opens (creating if necessary) logFilePath and returns a Logger
// that writes every entry to both stderr (pretty console) and that
// file (structured JSON via zerolog's default writer).
func New(logFilePath string) (*Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	dir := filepath.Dir(logFilePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	multi := zerolog.MultiLevelWriter(consoleWriter, f)
	logger := zerolog.New(multi).With().Timestamp().Logger()

	return &Logger{Logger: logger, file: f}, nil
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
