// Package gitobserver polls a git working copy for new revisions and
// submits each one it finds to the dispatcher.
package gitobserver

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// RemoteName is the remote the observer fetches before checking for a new
// tip commit.
const RemoteName = "origin"

// Observer polls repoPath on interval, dispatching any new tip commit to
// the dispatcher at dispatcherAddr. The tip is the remote-tracking branch
// corresponding to the working copy's currently checked-out branch, e.g.
// refs/remotes/origin/main, resolved fresh after every fetch.
type Observer struct {
	repoPath       string
	dispatcherAddr string
	interval       time.Duration
	lastSeen       string
	logger         zerolog.Logger
	dial           func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New builds an Observer with the package default poll interval (5s,
// matching the runner heartbeat cadence).
func New(repoPath, dispatcherAddr string, logger zerolog.Logger) *Observer {
	return &Observer{
		repoPath:       repoPath,
		dispatcherAddr: dispatcherAddr,
		interval:       5 * time.Second,
		logger:         logger,
		dial:           net.DialTimeout,
	}
}

// WithInterval overrides the poll interval; used in tests.
func (o *Observer) WithInterval(d time.Duration) *Observer {
	o.interval = d
	return o
}

// Run polls until ctx is cancelled, logging and continuing past any single
// iteration's error so a transient network blip never kills the process.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.poll(); err != nil {
				o.logger.Warn().Err(err).Msg("observer poll failed")
			}
		}
	}
}

func (o *Observer) poll() error {
	repo, err := git.PlainOpen(o.repoPath)
	if err != nil {
		return errors.Wrap(err, "open repository")
	}

	if err := repo.Fetch(&git.FetchOptions{RemoteName: RemoteName, Force: true}); err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrap(err, "fetch")
	}

	head, err := repo.Head()
	if err != nil {
		return errors.Wrap(err, "resolve HEAD")
	}
	branch := head.Name().Short()
	trackingRef := plumbing.NewRemoteReferenceName(RemoteName, branch)

	ref, err := repo.Reference(trackingRef, true)
	if err != nil {
		return errors.Wrap(err, "resolve remote tracking ref")
	}
	sha := ref.Hash().String()

	if sha == o.lastSeen {
		return nil
	}
	o.lastSeen = sha

	reply, err := o.sendLine("DISPATCH " + sha)
	if err != nil {
		return errors.Wrap(err, "dispatch")
	}
	o.logger.Info().Str("revision", sha).Str("reply", reply).Msg("submitted new revision")
	return nil
}

// Status fetches the dispatcher's STATUS line. The poll loop in Run does
// not call it.
func (o *Observer) Status() (string, error) {
	return o.sendLine("STATUS")
}

func (o *Observer) sendLine(line string) (string, error) {
	conn, err := o.dial("tcp", o.dispatcherAddr, 3*time.Second)
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
	return trimNewline(reply), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
