package runnerd

import (
	"bufio"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendLine(t *testing.T, r *Runner, line string) string {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		r.handleConn(server)
		close(done)
	}()

	_, err := client.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	client.Close()
	<-done
	return reply[:len(reply)-1]
}

func TestHandleConnRejectsMalformedLine(t *testing.T) {
	r := &Runner{cfg: Config{Logger: zerolog.Nop()}}
	assert.Equal(t, "ERR", sendLine(t, r, "FOO"))
}

func TestHandleConnRejectsWrongCommand(t *testing.T) {
	r := &Runner{cfg: Config{Logger: zerolog.Nop()}}
	assert.Equal(t, "ERR", sendLine(t, r, "PING c1"))
}

func TestHandleConnBusyWhenAlreadyRunning(t *testing.T) {
	r := &Runner{cfg: Config{Logger: zerolog.Nop()}}
	r.mu.Lock()
	r.busy = true
	r.mu.Unlock()

	assert.Equal(t, "BUSY", sendLine(t, r, "RUN c1"))
}
