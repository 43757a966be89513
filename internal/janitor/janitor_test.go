package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/codepr/ci-dispatcher/internal/scheduler"
)

func TestJanitorEvictsStaleRunner(t *testing.T) {
	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	key := scheduler.RunnerKey{Host: "127.0.0.1", Port: 9001}
	s.Register(key)

	j := New(s, zerolog.Nop()).WithIntervals(5*time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)

	require.Eventually(t, func() bool {
		return s.RunnerCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestJanitorKeepsFreshRunner(t *testing.T) {
	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	key := scheduler.RunnerKey{Host: "127.0.0.1", Port: 9001}
	s.Register(key)

	j := New(s, zerolog.Nop()).WithIntervals(5*time.Millisecond, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)

	stop := time.After(60 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			s.Heartbeat(key)
		}
	}

	require.Equal(t, 1, s.RunnerCount())
}

func TestJanitorRequeuesEvictedRunnerAssignment(t *testing.T) {
	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	key := scheduler.RunnerKey{Host: "127.0.0.1", Port: 9001}
	s.Register(key)
	s.Dispatch("c1")
	_, _ = s.Pending().Pop(time.Second)
	s.RecordAssigned("c1", key)

	j := New(s, zerolog.Nop()).WithIntervals(5*time.Millisecond, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := s.Pending().Pop(10 * time.Millisecond)
		return ok
	}, time.Second, 5*time.Millisecond)
}
