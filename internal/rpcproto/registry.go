package rpcproto

import "strings"

const (
	requestSuffix  = "_request"
	responseSuffix = "_response"
)

// Command names the compile-time-known finite set of worker RPCs
// (spec.md §4.5 table) and the daemon-level commands (§4.6 table).
type Command string

const (
	CmdHandshake     Command = "handshake"
	CmdStatus        Command = "status"
	CmdPeek          Command = "peek"
	CmdStartSession  Command = "start_session"
	CmdStopSession   Command = "stop_session"
	CmdWorkerPeek    Command = "worker_peek"
	CmdWorkerStatus  Command = "worker_status"
	CmdWorkerDetails Command = "worker_details"
	CmdCDPCall       Command = "cdp_call"
	CmdDOMQuery      Command = "dom_query"
	CmdDOMGet        Command = "dom_get"
)

// registeredCommands is the finite set recognised by GetCommandName; any
// prefix not in this set is not a command request/response even if it
// happens to end in _request/_response.
var registeredCommands = map[Command]bool{
	CmdHandshake:     true,
	CmdStatus:        true,
	CmdPeek:          true,
	CmdStartSession:  true,
	CmdStopSession:   true,
	CmdWorkerPeek:    true,
	CmdWorkerStatus:  true,
	CmdWorkerDetails: true,
	CmdCDPCall:       true,
	CmdDOMQuery:      true,
	CmdDOMGet:        true,
}

// RequestType returns the wire "_request" type for a command.
func RequestType(cmd Command) string { return string(cmd) + requestSuffix }

// ResponseType returns the wire "_response" type for a command.
func ResponseType(cmd Command) string { return string(cmd) + responseSuffix }

// GetCommandName extracts the registered command prefix from a wire type
// string, recognising both "<command>_request" and "<command>_response".
// Returns ("", false) if type does not match a registered command.
func GetCommandName(wireType string) (Command, bool) {
	var prefix string
	switch {
	case strings.HasSuffix(wireType, requestSuffix):
		prefix = strings.TrimSuffix(wireType, requestSuffix)
	case strings.HasSuffix(wireType, responseSuffix):
		prefix = strings.TrimSuffix(wireType, responseSuffix)
	default:
		return "", false
	}
	cmd := Command(prefix)
	if !registeredCommands[cmd] {
		return "", false
	}
	return cmd, true
}

// IsCommandRequest reports whether wireType is "<registered-command>_request".
func IsCommandRequest(wireType string) bool {
	if !strings.HasSuffix(wireType, requestSuffix) {
		return false
	}
	_, ok := GetCommandName(wireType)
	return ok
}
