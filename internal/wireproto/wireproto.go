// Package wireproto contains the constants and tiny parsing helpers shared
// by the dispatcher and the runner, which speak the dispatcher's
// line-oriented protocol.
package wireproto

import "strings"

// Command tokens understood by the dispatcher.
const (
	CmdStatus    = "STATUS"
	CmdRegister  = "REGISTER"
	CmdHeartbeat = "HEARTBEAT"
	CmdDispatch  = "DISPATCH"
	CmdResult    = "RESULT"
)

// Command tokens understood by a runner.
const (
	CmdRun = "RUN"
)

// Canned replies.
const (
	ReplyRegistered = "REGISTERED"
	ReplyAlive      = "ALIVE"
	ReplyQueued     = "QUEUED"
	ReplyAck        = "ACK"
	ReplyErr        = "ERR"
	ReplyOK         = "OK"
	ReplyBusy       = "BUSY"
)

// Fields splits a line on whitespace and uppercases the command token,
// mirroring the "trim, split on whitespace, uppercase the command" rule
// every handler in this system applies before dispatch.
func Fields(line string) []string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) > 0 {
		fields[0] = strings.ToUpper(fields[0])
	}
	return fields
}
