package assigner

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/ci-dispatcher/internal/scheduler"
)

// fakeRunner is a minimal TCP listener that replies a fixed string to every
// RUN line it receives, recording how many it saw.
type fakeRunner struct {
	ln    net.Listener
	reply string
	seen  chan string
}

func newFakeRunner(t *testing.T, reply string) *fakeRunner {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fr := &fakeRunner{ln: ln, reply: reply, seen: make(chan string, 16)}
	go fr.serve()
	return fr
}

func (f *fakeRunner) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return
			}
			f.seen <- line
			if f.reply != "" {
				conn.Write([]byte(f.reply + "\n"))
			}
		}()
	}
}

func (f *fakeRunner) key(t *testing.T) scheduler.RunnerKey {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return scheduler.RunnerKey{Host: host, Port: port}
}

func (f *fakeRunner) close() { f.ln.Close() }

func TestAssignerPlacesOnOK(t *testing.T) {
	runner := newFakeRunner(t, "OK")
	defer runner.close()

	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	s.Register(runner.key(t))
	s.Dispatch("c1")

	a := New(s, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case <-runner.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never received RUN")
	}

	require.Eventually(t, func() bool {
		_, _, assigned := s.Snapshot()
		return assigned == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAssignerRequeuesOnBusyReply(t *testing.T) {
	runner := newFakeRunner(t, "BUSY")
	defer runner.close()

	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	key := runner.key(t)
	s.Register(key)
	s.Dispatch("c1")

	a := New(s, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	select {
	case <-runner.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never received RUN")
	}

	// The runner rejects every RUN, so the revision is requeued on each
	// reply until its retry budget is spent and it is dropped.
	require.Eventually(t, func() bool {
		return s.RetryCount("c1") == scheduler.DefaultRetryCap
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.Equal(t, scheduler.DefaultRetryCap, s.RetryCount("c1"))
}

func TestAssignerEvictsOnUnreachableRunner(t *testing.T) {
	s := scheduler.New(scheduler.DefaultRetryCap, zerolog.Nop())
	// Bind and immediately close to get a guaranteed-unreachable address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	key := scheduler.RunnerKey{Host: "127.0.0.1", Port: addr.Port}
	s.Register(key)
	s.Dispatch("c1")

	a := New(s, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool {
		return s.RunnerCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.RetryCount("c1") == 1
	}, 3*time.Second, 10*time.Millisecond)
}
