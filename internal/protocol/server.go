// Package protocol implements the dispatcher's line-oriented TCP server:
// one connection per client, one line in, one line out, then close.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codepr/ci-dispatcher/internal/results"
	"github.com/codepr/ci-dispatcher/internal/scheduler"
)

// Server accepts TCP connections and dispatches each line it reads to a
// command handler. Any number of connections may be handled concurrently.
type Server struct {
	addr   string
	state  *scheduler.State
	writer *results.Writer
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server bound to addr (not yet listening).
func NewServer(addr string, state *scheduler.State, writer *results.Writer, logger zerolog.Logger) *Server {
	return &Server{addr: addr, state: state, writer: writer, logger: logger}
}

// Addr returns the bound address; only meaningful after ListenAndServe has
// started (useful for tests that bind to ":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// ListenAndServe binds s.addr and serves connections until ctx is
// cancelled, at which point the listener is closed and any in-flight
// connection is left to finish its single request/response.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("protocol server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		// Nothing usable arrived; no reply to send, no state mutated.
		return
	}
	reply := s.dispatch(strings.TrimRight(line, "\r\n"))
	conn.Write([]byte(reply + "\n"))
}
