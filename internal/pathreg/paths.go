// Package pathreg centralizes the on-disk layout bdg uses for its runtime
// state: daemon/session PID and lock files, the daemon socket, per-worker
// sockets, and the preview/full/final telemetry snapshots.
package pathreg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// RootDirEnv overrides the default runtime state root. Tests point it
	// at a scratch directory so runs never touch a real user's state.
	RootDirEnv = "BDG_HOME"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appDirName      = "bdg"
)

// RootDir returns the runtime state root for bdg. Resolution order:
//  1. BDG_HOME, if set
//  2. XDG_STATE_HOME/bdg, if XDG_STATE_HOME is set
//  3. os.UserConfigDir()/bdg as a cross-platform fallback
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(RootDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appDirName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appDirName), nil
}

// InRoot joins path elements onto RootDir, creating no directories.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

// EnsureRoot creates RootDir (mode 0700) if it does not already exist.
func EnsureRoot() (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("cannot create state root %s: %w", root, err)
	}
	return root, nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Canonical file names, all rooted under RootDir(). Names follow spec.md §4.1/§6.
const (
	SessionPIDFile       = "session.pid"
	SessionMetaFile      = "session.meta.json"
	SessionPreviewFile   = "session.preview.json"
	SessionFullFile      = "session.full.json"
	SessionFinalFile     = "session.json"
	SessionLockFile      = "session.lock"
	DaemonPIDFile        = "daemon.pid"
	DaemonLockFile       = "daemon.lock"
	DaemonSockFile       = "daemon.sock"
	ChromePIDFile        = "chrome.pid"
	LastQueryFile        = "last-query.json"
)

// SessionPID returns the path to session.pid.
func SessionPID() (string, error) { return InRoot(SessionPIDFile) }

// SessionMeta returns the path to session.meta.json.
func SessionMeta() (string, error) { return InRoot(SessionMetaFile) }

// SessionPreview returns the path to session.preview.json.
func SessionPreview() (string, error) { return InRoot(SessionPreviewFile) }

// SessionFull returns the path to session.full.json.
func SessionFull() (string, error) { return InRoot(SessionFullFile) }

// SessionFinal returns the path to session.json.
func SessionFinal() (string, error) { return InRoot(SessionFinalFile) }

// SessionLock returns the path to session.lock.
func SessionLock() (string, error) { return InRoot(SessionLockFile) }

// DaemonPID returns the path to daemon.pid.
func DaemonPID() (string, error) { return InRoot(DaemonPIDFile) }

// DaemonLock returns the path to daemon.lock.
func DaemonLock() (string, error) { return InRoot(DaemonLockFile) }

// DaemonSock returns the path to daemon.sock.
func DaemonSock() (string, error) { return InRoot(DaemonSockFile) }

// ChromePID returns the path to chrome.pid.
func ChromePID() (string, error) { return InRoot(ChromePIDFile) }

// LastQuery returns the path to last-query.json.
func LastQuery() (string, error) { return InRoot(LastQueryFile) }

// WorkerSock returns the path to a worker's private unix socket.
func WorkerSock(workerPID int) (string, error) {
	return InRoot(fmt.Sprintf("worker.%d.sock", workerPID))
}
