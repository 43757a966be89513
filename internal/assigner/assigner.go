// Package assigner implements the dispatcher's long-lived placement loop:
// pop a pending revision, find an idle runner by round robin, and hand the
// work off over a short-lived outbound TCP connection.
package assigner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/scheduler"
	"github.com/codepr/ci-dispatcher/internal/wireproto"
)

const (
	// PopTimeout is how long a single pending-queue pop blocks before
	// re-checking for shutdown.
	PopTimeout = 200 * time.Millisecond
	// ProbeInterval is the sleep between idle-runner probes once a
	// revision has been popped but every runner is busy.
	ProbeInterval = 50 * time.Millisecond
	// RunTimeout bounds the dial of the outbound RUN connection, and
	// separately the RUN write plus the reply read that follow it.
	RunTimeout = 5 * time.Second
)

// Dialer opens an outbound connection to a runner; it exists so tests can
// substitute a fake network.
type Dialer func(network, addr string, timeout time.Duration) (net.Conn, error)

// Assigner owns the placement loop.
type Assigner struct {
	state  *scheduler.State
	dial   Dialer
	logger zerolog.Logger
}

// New builds an Assigner over state, using net.DialTimeout by default.
func New(state *scheduler.State, logger zerolog.Logger) *Assigner {
	return &Assigner{
		state:  state,
		dial:   net.DialTimeout,
		logger: logger,
	}
}

// WithDialer overrides the network dialer; used in tests.
func (a *Assigner) WithDialer(d Dialer) *Assigner {
	a.dial = d
	return a
}

// Run loops forever, placing revisions until ctx is cancelled. Any error
// encountered in one iteration is logged, not fatal to the loop.
func (a *Assigner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.tick(ctx)
	}
}

func (a *Assigner) tick(ctx context.Context) {
	revision, ok := a.state.Pending().Pop(PopTimeout)
	if !ok {
		return
	}

	var runner scheduler.RunnerKey
	for {
		select {
		case <-ctx.Done():
			// Shutting down: put the revision back so it isn't lost.
			a.state.Pending().Push(revision)
			return
		default:
		}
		if key, found := a.state.PickIdleRoundRobin(); found {
			runner = key
			break
		}
		time.Sleep(ProbeInterval)
	}

	// Set busy eagerly, before any network I/O, so a second revision can
	// never race onto the same runner.
	a.state.SetBusy(runner, true)

	if err := a.place(runner, revision); err != nil {
		a.logger.Warn().Err(err).Str("runner", runner.String()).
			Str("revision", revision).Msg("assignment failed")
	}
}

func (a *Assigner) place(runner scheduler.RunnerKey, revision string) error {
	addr := runner.String()
	conn, err := a.dial("tcp", addr, RunTimeout)
	if err != nil {
		// Connection itself failed: the runner is presumed dead. Eviction
		// requeues anything it already had in flight; this revision was
		// never recorded as assigned, so requeue it explicitly too.
		a.state.Evict(runner, "connect failed: "+err.Error())
		a.state.Requeue(revision, "runner unreachable")
		return errors.Wrap(err, "dial runner")
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(RunTimeout))
	if _, err := fmt.Fprintf(conn, "%s %s\n", wireproto.CmdRun, revision); err != nil {
		a.state.Evict(runner, "write failed: "+err.Error())
		a.state.Requeue(revision, "runner unreachable")
		return errors.Wrap(err, "send RUN")
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		a.state.Evict(runner, "read failed: "+err.Error())
		a.state.Requeue(revision, "runner unreachable")
		return errors.Wrap(err, "read RUN reply")
	}

	switch trimNewline(reply) {
	case wireproto.ReplyOK:
		a.state.RecordAssigned(revision, runner)
		a.logger.Info().Str("runner", runner.String()).Str("revision", revision).
			Msg("revision assigned")
		return nil
	default:
		a.state.SetBusy(runner, false)
		a.state.Requeue(revision, "runner rejected RUN")
		return nil
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
