package rpcproto

import (
	"errors"
	"fmt"
)

// ErrorCode is the enumerated RPC error taxonomy from spec.md §7.
type ErrorCode string

const (
	// Session lifecycle.
	ErrSessionAlreadyRunning ErrorCode = "SessionAlreadyRunning"
	ErrNoSession             ErrorCode = "NoSession"
	ErrSessionKillFailed     ErrorCode = "SessionKillFailed"

	// Daemon lifecycle.
	ErrDaemonAlreadyRunning ErrorCode = "DaemonAlreadyRunning"
	ErrDaemonError          ErrorCode = "DaemonError"

	// Worker lifecycle.
	ErrWorkerStartFailed ErrorCode = "WorkerStartFailed"

	// Transport (daemon<->worker, client<->daemon IPC).
	ErrIPCConnection ErrorCode = "IPCConnection"
	ErrIPCTimeout    ErrorCode = "IPCTimeout"
	ErrIPCParse      ErrorCode = "IPCParse"
	ErrIPCEarlyClose ErrorCode = "IPCEarlyClose"

	// CDP.
	ErrCDPConnection ErrorCode = "CDPConnection"
	ErrCDPTimeout    ErrorCode = "CDPTimeout"
	ErrCDPProtocol   ErrorCode = "CDPProtocol"

	// User input.
	ErrInvalidURL       ErrorCode = "InvalidURL"
	ErrInvalidArguments ErrorCode = "InvalidArguments"

	// Chrome.
	ErrChromeLaunch              ErrorCode = "ChromeLaunch"
	ErrChromeBinaryNotExecutable ErrorCode = "ChromeBinaryNotExecutable"

	// Generic / item-level.
	ErrNotFound ErrorCode = "NotFound"
)

// WorkerStartSubcase enumerates the WorkerStartFailed subcases named in
// spec.md §7.
type WorkerStartSubcase string

const (
	WorkerSpawnFailed    WorkerStartSubcase = "spawn-failed"
	WorkerReadyTimeout   WorkerStartSubcase = "ready-timeout"
	WorkerCrash          WorkerStartSubcase = "crash"
	WorkerMalformedReady WorkerStartSubcase = "malformed-ready"
)

// Error is a structured RPC error: a stable code plus a human message and,
// for CDPProtocol, the Chrome-supplied numeric code.
type Error struct {
	Code    ErrorCode
	Message string
	CDPCode int                // only meaningful when Code == ErrCDPProtocol
	Subcase WorkerStartSubcase // only meaningful when Code == ErrWorkerStartFailed
	Stderr  string             // captured worker stderr, when available
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds an *Error with the given code and message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that also preserves the underlying cause for
// errors.Is/errors.As callers.
func WrapError(code ErrorCode, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Message: err.Error(), Wrapped: err}
}

// AsError extracts an *Error from err via errors.As-compatible unwrapping,
// returning (nil, false) if err does not carry a structured RPC error.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// ExitCode maps an ErrorCode to the process exit code from spec.md §6.
// Unrecognised codes map to 1 (generic failure).
func ExitCode(code ErrorCode) int {
	switch code {
	case ErrInvalidURL:
		return 80
	case ErrInvalidArguments:
		return 81
	case ErrNoSession, ErrDaemonError:
		return 83
	case ErrNotFound:
		return 83
	case ErrSessionAlreadyRunning:
		return 84
	case ErrDaemonAlreadyRunning:
		return 86
	case ErrChromeLaunch, ErrChromeBinaryNotExecutable:
		return 100
	case ErrCDPConnection:
		return 101
	case ErrCDPTimeout:
		return 102
	case ErrIPCConnection, ErrIPCParse, ErrIPCEarlyClose:
		return 103
	case ErrIPCTimeout:
		return 102
	case ErrWorkerStartFailed:
		return 100
	case ErrSessionKillFailed:
		return 85
	case ErrCDPProtocol:
		return 104
	default:
		return 1
	}
}

// Retryable reports whether the error code is in the retryable set
// {CDPConnection, CDPTimeout, ChromeLaunch} named in spec.md §6.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrCDPConnection, ErrCDPTimeout, ErrChromeLaunch:
		return true
	default:
		return false
	}
}
