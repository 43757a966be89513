// Package scheduler owns the mutable view of the runner fleet, the pending
// revision queue, in-flight assignments, retry bookkeeping and per-revision
// timelines described by the dispatcher's data model. Every mutation to the
// runner table, the ring, the assignment map, the task records and the
// timeline map happens under a single mutex; the pending queue is an
// independently synchronized FIFO so that a blocking pop never holds up a
// STATUS read or a REGISTER.
package scheduler

import (
	"fmt"
	"time"
)

// RunnerKey identifies a runner by its listening address. It is comparable,
// so it can be used directly as a map key and as a ring element.
type RunnerKey struct {
	Host string
	Port int
}

func (k RunnerKey) String() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

type runnerInfo struct {
	busy     bool
	lastSeen time.Time
}

// TaskRecord tracks the retry budget of a single revision across its
// lifetime in the pending/assigned states.
type TaskRecord struct {
	RetryCount int
}

// Timeline carries the three timestamps used only to emit the result file;
// a zero time.Time means "not yet known".
type Timeline struct {
	QueuedAt    time.Time
	AssignedAt  time.Time
	CompletedAt time.Time
	Runner      RunnerKey
	RunnerKnown bool
}
