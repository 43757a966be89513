// Package janitor implements the dispatcher's liveness sweep: evict any
// runner whose last heartbeat is older than the dead threshold.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/scheduler"
)

const (
	// Tick is how often the janitor scans the runner table.
	Tick = 1 * time.Second
	// DeadThreshold is how long a runner may go without a heartbeat
	// before it is considered gone.
	DeadThreshold = 15 * time.Second
)

// Janitor owns the periodic eviction sweep.
type Janitor struct {
	state         *scheduler.State
	tick          time.Duration
	deadThreshold time.Duration
	logger        zerolog.Logger
}

// New builds a Janitor with the package defaults.
func New(state *scheduler.State, logger zerolog.Logger) *Janitor {
	return &Janitor{state: state, tick: Tick, deadThreshold: DeadThreshold, logger: logger}
}

// WithIntervals overrides the tick and dead threshold; used in tests.
func (j *Janitor) WithIntervals(tick, deadThreshold time.Duration) *Janitor {
	j.tick = tick
	j.deadThreshold = deadThreshold
	return j
}

// Run loops forever until ctx is cancelled, evicting dead runners on each
// tick. Evictions happen outside the snapshot lock, per §4.4.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	for _, key := range j.state.DeadRunners(j.deadThreshold) {
		j.logger.Warn().Str("runner", key.String()).Msg("heartbeat expired")
		j.state.Evict(key, "heartbeat timeout")
	}
}
