// Package applog builds the process-wide zerolog.Logger used by every
// role, console output plus (for the dispatcher) a duplicate to a shared
// log file.
package applog

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// LogFileName is the dispatcher's shared log file, appended alongside its
// result files.
const LogFileName = "ci_log.txt"

// New builds a console-only logger tagged with role.
func New(role string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Str("role", role).Logger()
}

// NewWithFile builds a logger tagged with role that writes to both stdout
// and dir/ci_log.txt, creating dir if needed. Used by the dispatcher,
// mirroring the original system's log helper which both printed and
// appended to a shared file.
func NewWithFile(role, dir string) (zerolog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Logger{}, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, err
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	var writers []io.Writer = []io.Writer{console, f}
	multi := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(multi).With().Timestamp().Str("role", role).Logger(), nil
}
