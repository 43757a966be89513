package protocol

import (
	"strconv"

	"github.com/codepr/ci-dispatcher/internal/results"
	"github.com/codepr/ci-dispatcher/internal/scheduler"
	"github.com/codepr/ci-dispatcher/internal/wireproto"
)

// dispatch parses one line, mutates state as needed, and returns the
// single-line reply. It never panics: any internal failure becomes ERR.
func (s *Server) dispatch(line string) string {
	fields := wireproto.Fields(line)
	if len(fields) == 0 {
		return wireproto.ReplyErr
	}

	switch fields[0] {
	case wireproto.CmdStatus:
		return s.handleStatus()
	case wireproto.CmdRegister:
		return s.handleRegister(fields)
	case wireproto.CmdHeartbeat:
		return s.handleHeartbeat(fields)
	case wireproto.CmdDispatch:
		return s.handleDispatch(fields)
	case wireproto.CmdResult:
		return s.handleResult(fields)
	default:
		return wireproto.ReplyErr
	}
}

func (s *Server) handleStatus() string {
	runners, pending, assigned := s.state.Snapshot()
	return "OK RUNNERS " + strconv.Itoa(runners) +
		" PENDING " + strconv.Itoa(pending) +
		" ASSIGNED " + strconv.Itoa(assigned)
}

func parseHostPort(fields []string) (scheduler.RunnerKey, bool) {
	if len(fields) != 3 {
		return scheduler.RunnerKey{}, false
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return scheduler.RunnerKey{}, false
	}
	return scheduler.RunnerKey{Host: fields[1], Port: port}, true
}

func (s *Server) handleRegister(fields []string) string {
	key, ok := parseHostPort(fields)
	if !ok {
		return wireproto.ReplyErr
	}
	s.state.Register(key)
	s.logger.Info().Str("runner", key.String()).Msg("runner registered")
	return wireproto.ReplyRegistered
}

func (s *Server) handleHeartbeat(fields []string) string {
	key, ok := parseHostPort(fields)
	if !ok {
		return wireproto.ReplyErr
	}
	s.state.Heartbeat(key)
	return wireproto.ReplyAlive
}

func (s *Server) handleDispatch(fields []string) string {
	if len(fields) != 2 {
		return wireproto.ReplyErr
	}
	revision := fields[1]
	s.state.Dispatch(revision)
	s.logger.Info().Str("revision", revision).Msg("revision queued")
	return wireproto.ReplyQueued
}

func (s *Server) handleResult(fields []string) string {
	if len(fields) != 4 {
		return wireproto.ReplyErr
	}
	revision, status, seconds := fields[1], fields[2], fields[3]
	if _, err := strconv.ParseFloat(seconds, 64); err != nil {
		return wireproto.ReplyErr
	}

	tl := s.state.CompleteResult(revision)
	s.writer.Write(results.Record{
		Revision: revision,
		Status:   status,
		Seconds:  seconds,
		Timeline: tl,
	})
	s.logger.Info().Str("revision", revision).Str("status", status).Msg("result recorded")
	return wireproto.ReplyAck
}
