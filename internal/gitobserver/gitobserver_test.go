package gitobserver

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records every line it receives and always replies QUEUED.
type fakeDispatcher struct {
	ln   net.Listener
	seen chan string
}

func newFakeDispatcher(t *testing.T) *fakeDispatcher {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fd := &fakeDispatcher{ln: ln, seen: make(chan string, 16)}
	go fd.serve()
	return fd
}

func (f *fakeDispatcher) serve() {
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
			conn.Write([]byte("QUEUED\n"))
		}()
	}
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestObserverDispatchesNewOriginHead(t *testing.T) {
	originDir := t.TempDir()
	origin, err := git.PlainInit(originDir, false)
	require.NoError(t, err)
	firstSHA := commitFile(t, origin, originDir, "a.txt", "one")

	cloneDir := t.TempDir()
	clone, err := git.PlainClone(cloneDir, false, &git.CloneOptions{URL: originDir})
	require.NoError(t, err)
	_ = clone

	dispatcher := newFakeDispatcher(t)
	defer dispatcher.ln.Close()

	obs := New(cloneDir, dispatcher.ln.Addr().String(), zerolog.Nop()).WithInterval(10 * time.Millisecond)

	// First poll should see the commit the clone already has checked out.
	require.NoError(t, obs.poll())
	select {
	case line := <-dispatcher.seen:
		require.Contains(t, line, firstSHA)
	case <-time.After(time.Second):
		t.Fatal("expected initial dispatch")
	}

	secondSHA := commitFile(t, origin, originDir, "a.txt", "two")
	require.NoError(t, obs.poll())
	select {
	case line := <-dispatcher.seen:
		require.Contains(t, line, secondSHA)
	case <-time.After(time.Second):
		t.Fatal("expected dispatch of new commit")
	}

	// No new commit: poll again should not emit anything more.
	require.NoError(t, obs.poll())
	select {
	case line := <-dispatcher.seen:
		t.Fatalf("unexpected dispatch: %s", line)
	case <-time.After(50 * time.Millisecond):
	}
}
