// Package runnerd implements the runner role: a line-oriented server
// symmetric to the dispatcher's, which accepts RUN <revision>, checks the
// revision out in a local working copy, executes its CI steps in a
// container, and reports the outcome back to the dispatcher.
package runnerd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/ciconfig"
	"github.com/codepr/ci-dispatcher/internal/dockerjob"
	"github.com/codepr/ci-dispatcher/internal/wireproto"
)

// HeartbeatInterval matches the dispatcher's documented 5s heartbeat
// cadence expectation.
const HeartbeatInterval = 5 * time.Second

// Config bundles everything a Runner needs at startup.
type Config struct {
	Host           string
	Port           int
	DispatcherAddr string
	RepoPath       string
	Logger         zerolog.Logger
}

// Runner owns the inbound RUN listener and the single in-flight job slot;
// a runner executes at most one revision at a time.
type Runner struct {
	cfg    Config
	docker *dockerjob.Client

	mu   sync.Mutex
	busy bool

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New builds a Runner and its Docker client.
func New(cfg Config) (*Runner, error) {
	docker, err := dockerjob.New(cfg.Logger.With().Str("component", "dockerjob").Logger())
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, docker: docker, dial: net.DialTimeout}, nil
}

// Run registers with the dispatcher, starts the heartbeat ticker and the
// RUN listener, and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer ln.Close()

	if reply, err := r.sendToDispatcher(fmt.Sprintf("%s %s %d", wireproto.CmdRegister, r.cfg.Host, r.cfg.Port)); err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("initial register failed")
	} else {
		r.cfg.Logger.Info().Str("reply", reply).Msg("registered with dispatcher")
	}

	go r.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}
		go r.handleConn(conn)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := fmt.Sprintf("%s %s %d", wireproto.CmdHeartbeat, r.cfg.Host, r.cfg.Port)
			if _, err := r.sendToDispatcher(line); err != nil {
				r.cfg.Logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (r *Runner) handleConn(conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	fields := wireproto.Fields(line)
	if len(fields) != 2 || fields[0] != wireproto.CmdRun {
		conn.Write([]byte(wireproto.ReplyErr + "\n"))
		return
	}
	revision := fields[1]

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		conn.Write([]byte(wireproto.ReplyBusy + "\n"))
		return
	}
	r.busy = true
	r.mu.Unlock()

	conn.Write([]byte(wireproto.ReplyOK + "\n"))
	go r.execute(revision)
}

func (r *Runner) execute(revision string) {
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	status, seconds := r.runJob(revision)
	line := fmt.Sprintf("%s %s %s %s", wireproto.CmdResult, revision, status, strconv.FormatFloat(seconds, 'f', 3, 64))
	if reply, err := r.sendToDispatcher(line); err != nil {
		r.cfg.Logger.Warn().Err(err).Str("revision", revision).Msg("result report failed")
	} else {
		r.cfg.Logger.Info().Str("revision", revision).Str("reply", reply).Msg("result reported")
	}
}

func (r *Runner) runJob(revision string) (status string, seconds float64) {
	start := time.Now()
	if err := r.checkout(revision); err != nil {
		r.cfg.Logger.Warn().Err(err).Str("revision", revision).Msg("checkout failed")
		return dockerjob.StatusFail, time.Since(start).Seconds()
	}

	cfg, err := ciconfig.Load(r.cfg.RepoPath)
	if err != nil {
		r.cfg.Logger.Warn().Err(err).Str("revision", revision).Msg("ci config load failed")
		return dockerjob.StatusFail, time.Since(start).Seconds()
	}

	result := r.docker.Run(context.Background(), cfg)
	return result.Status, result.Seconds
}

func (r *Runner) checkout(revision string) error {
	repo, err := git.PlainOpen(r.cfg.RepoPath)
	if err != nil {
		return errors.Wrap(err, "open repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "open worktree")
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(revision)})
}

func (r *Runner) sendToDispatcher(line string) (string, error) {
	conn, err := r.dial("tcp", r.cfg.DispatcherAddr, 3*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}
