// Package results writes the per-revision timing record that is the
// dispatcher's only durable output, as described in spec.md §4.5.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/scheduler"
)

// DefaultDir is the output directory created on demand.
const DefaultDir = "test_results"

// Record carries everything needed to render a result file for a single
// RESULT command.
type Record struct {
	Revision string
	Status   string
	Seconds  string // opaque echo-through, no arithmetic performed on it
	Timeline scheduler.Timeline
}

// Writer renders Records to <dir>/<revision>.txt.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter returns a Writer rooted at dir (DefaultDir if empty).
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{dir: dir, logger: logger}
}

const timeLayout = "2006-01-02T15:04:05.000"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func formatLatency(a, b time.Time) string {
	if a.IsZero() || b.IsZero() {
		return ""
	}
	return fmt.Sprintf("%.3f", b.Sub(a).Seconds())
}

// Write renders rec to disk, creating the output directory if needed and
// overwriting any prior file for the same revision. A filesystem error is
// logged, never returned to the caller as fatal: callers still reply ACK.
func (w *Writer) Write(rec Record) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Error().Err(err).Str("dir", w.dir).Msg("unable to create result directory")
		return
	}

	path := filepath.Join(w.dir, rec.Revision+".txt")
	var b strings.Builder
	fmt.Fprintf(&b, "commit=%s\n", rec.Revision)
	fmt.Fprintf(&b, "status=%s\n", rec.Status)
	fmt.Fprintf(&b, "duration_seconds_runner=%s\n", rec.Seconds)
	fmt.Fprintf(&b, "queued_at_local=%s\n", formatTime(rec.Timeline.QueuedAt))
	fmt.Fprintf(&b, "assigned_at_local=%s\n", formatTime(rec.Timeline.AssignedAt))
	fmt.Fprintf(&b, "completed_at_local=%s\n", formatTime(rec.Timeline.CompletedAt))
	if rec.Timeline.RunnerKnown {
		fmt.Fprintf(&b, "runner_host=%s\n", rec.Timeline.Runner.Host)
		fmt.Fprintf(&b, "runner_port=%d\n", rec.Timeline.Runner.Port)
	}
	if lat := formatLatency(rec.Timeline.QueuedAt, rec.Timeline.AssignedAt); lat != "" {
		fmt.Fprintf(&b, "latency_queue_to_assign_sec=%s\n", lat)
	}
	if lat := formatLatency(rec.Timeline.AssignedAt, rec.Timeline.CompletedAt); lat != "" {
		fmt.Fprintf(&b, "latency_assign_to_finish_sec=%s\n", lat)
	}
	if lat := formatLatency(rec.Timeline.QueuedAt, rec.Timeline.CompletedAt); lat != "" {
		fmt.Fprintf(&b, "latency_total_sec=%s\n", lat)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		w.logger.Error().Err(errors.Wrap(err, "write result file")).
			Str("path", path).Msg("unable to persist result file")
	}
}
