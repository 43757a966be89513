package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetryCap is the number of requeue attempts a revision tolerates
// before being dropped.
const DefaultRetryCap = 3

// State is the single owner of the runner table, the runner ring, the
// assignment map, the task-record map and the timeline map. It is passed
// explicitly to the protocol server, the assigner and the janitor rather
// than living behind package-level globals.
type State struct {
	mu          sync.Mutex
	runners     map[RunnerKey]*runnerInfo
	ring        []RunnerKey
	ringPos     int
	assignments map[string]RunnerKey
	tasks       map[string]*TaskRecord
	timelines   map[string]*Timeline

	pending  *Queue
	retryCap int
	logger   zerolog.Logger
}

// New builds an empty State with the given retry cap and logger.
func New(retryCap int, logger zerolog.Logger) *State {
	return &State{
		runners:     map[RunnerKey]*runnerInfo{},
		assignments: map[string]RunnerKey{},
		tasks:       map[string]*TaskRecord{},
		timelines:   map[string]*Timeline{},
		pending:     NewQueue(),
		retryCap:    retryCap,
		logger:      logger,
	}
}

// Pending exposes the FIFO so the assigner can pop from it; its blocking
// Pop is never called while s.mu is held (Snapshot reads only its length
// under the lock).
func (s *State) Pending() *Queue { return s.pending }

// Register inserts a runner with busy=false and last_seen=now if it is
// absent, appending it to the ring. A second register for the same key is
// a no-op: it must not duplicate a ring entry.
func (s *State) Register(key RunnerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[key]; ok {
		return
	}
	s.runners[key] = &runnerInfo{busy: false, lastSeen: time.Now()}
	s.ring = append(s.ring, key)
}

// Heartbeat bumps last_seen for a known runner. Unknown runners are
// silently ignored; they are expected to REGISTER again, not resurrect.
func (s *State) Heartbeat(key RunnerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.runners[key]; ok {
		info.lastSeen = time.Now()
	}
}

// SetBusy atomically flips the busy flag; a no-op if the runner is gone.
func (s *State) SetBusy(key RunnerKey, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.runners[key]; ok {
		info.busy = busy
	}
}

// PickIdleRoundRobin scans up to the ring's current length, rotating the
// search origin by one position per probe regardless of outcome, and
// returns the first idle runner it finds. ok is false when the ring is
// empty or every runner in it is busy.
func (s *State) PickIdleRoundRobin() (key RunnerKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ring)
	for i := 0; i < n; i++ {
		idx := s.ringPos % n
		s.ringPos++
		candidate := s.ring[idx]
		if info, present := s.runners[candidate]; present && !info.busy {
			return candidate, true
		}
	}
	return RunnerKey{}, false
}

// DeadRunners returns every runner whose last heartbeat is older than
// olderThan, for the janitor to evict. It is a read-only snapshot taken
// under the lock, per §4.4: evictions themselves happen outside it.
func (s *State) DeadRunners(olderThan time.Duration) []RunnerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var dead []RunnerKey
	for key, info := range s.runners {
		if now.Sub(info.lastSeen) > olderThan {
			dead = append(dead, key)
		}
	}
	return dead
}

// Evict removes a runner from the table and the ring and requeues any
// revision it had in flight. Tolerant of the runner being absent from
// either structure.
func (s *State) Evict(key RunnerKey, reason string) {
	s.mu.Lock()
	var inFlight []string
	for revision, runner := range s.assignments {
		if runner == key {
			inFlight = append(inFlight, revision)
		}
	}
	delete(s.runners, key)
	kept := s.ring[:0]
	for _, k := range s.ring {
		if k != key {
			kept = append(kept, k)
		}
	}
	s.ring = kept
	s.mu.Unlock()

	s.logger.Warn().Str("runner", key.String()).Str("reason", reason).Msg("evicting runner")
	for _, revision := range inFlight {
		s.Requeue(revision, reason)
	}
}

// Dispatch ensures a task record exists for revision, stamps queued_at to
// now and enqueues it. A second DISPATCH of the same revision keeps the
// existing retry_count untouched but refreshes queued_at to the latest
// submission.
func (s *State) Dispatch(revision string) {
	s.mu.Lock()
	if _, ok := s.tasks[revision]; !ok {
		s.tasks[revision] = &TaskRecord{}
	}
	tl, ok := s.timelines[revision]
	if !ok {
		tl = &Timeline{}
		s.timelines[revision] = tl
	}
	tl.QueuedAt = time.Now()
	s.mu.Unlock()

	s.pending.Push(revision)
}

// Requeue implements §4.1.1: drop the assignment if present, fetch or
// create the task record, drop the revision once its retry budget is
// exhausted, otherwise bump retry_count and push it back onto the pending
// queue (outside the lock).
func (s *State) Requeue(revision, reason string) {
	s.mu.Lock()
	delete(s.assignments, revision)
	tr, ok := s.tasks[revision]
	if !ok {
		tr = &TaskRecord{}
		s.tasks[revision] = tr
	}
	dropped := tr.RetryCount >= s.retryCap
	if !dropped {
		tr.RetryCount++
	}
	retryCount := tr.RetryCount
	s.mu.Unlock()

	if dropped {
		s.logger.Warn().Str("revision", revision).Str("reason", reason).
			Msg("retry cap exceeded, dropping revision")
		return
	}
	s.logger.Info().Str("revision", revision).Str("reason", reason).
		Int("retry_count", retryCount).Msg("requeueing revision")
	s.pending.Push(revision)
}

// RecordAssigned marks revision as assigned to key and stamps assigned_at.
// It is the sole entry point into the assignment map in the forward
// direction; RESULT and eviction are the sole removers.
func (s *State) RecordAssigned(revision string, key RunnerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[revision] = key
	tl, ok := s.timelines[revision]
	if !ok {
		tl = &Timeline{}
		s.timelines[revision] = tl
	}
	tl.AssignedAt = time.Now()
	tl.Runner = key
	tl.RunnerKnown = true
}

// CompleteResult clears any assignment and busy flag for revision, stamps
// completed_at, and returns the resulting timeline. Defensive against an
// unknown revision: a timeline with only completed_at set is created.
func (s *State) CompleteResult(revision string) Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.assignments[revision]; ok {
		delete(s.assignments, revision)
		if info, present := s.runners[key]; present {
			info.busy = false
		}
	}
	tl, ok := s.timelines[revision]
	if !ok {
		tl = &Timeline{}
		s.timelines[revision] = tl
	}
	tl.CompletedAt = time.Now()
	return *tl
}

// Snapshot returns a consistent count of the runner table, the pending
// queue and the assignment map, taken under one critical section.
func (s *State) Snapshot() (runners, pending, assigned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners), s.pending.Len(), len(s.assignments)
}

// RunnerCount reports the table size; used by tests asserting the
// table/ring bijection invariant.
func (s *State) RunnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// RingKeys returns a copy of the current ring, for tests.
func (s *State) RingKeys() []RunnerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunnerKey, len(s.ring))
	copy(out, s.ring)
	return out
}

// RetryCount returns the retry_count for a revision, or 0 if it has none.
func (s *State) RetryCount(revision string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tasks[revision]; ok {
		return tr.RetryCount
	}
	return 0
}
