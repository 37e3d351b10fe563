// Package session defines SessionMetadata, the small on-disk record the
// worker writes once it is ready and the daemon/CLI read thereafter
// (spec.md §3 "SessionMetadata", §6 on-disk layout).
package session

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bdg-dev/bdg/internal/pathreg"
)

// Metadata is the spec.md §3 SessionMetadata resource. The worker is the
// sole writer; the daemon and CLI only ever read it.
type Metadata struct {
	WorkerPID            int      `json:"workerPid"`
	ChromePID            int      `json:"chromePid"`
	StartTime            int64    `json:"startTime"`
	CDPPort              int      `json:"cdpPort"`
	TargetID             string   `json:"targetId"`
	WebSocketDebuggerURL string   `json:"webSocketDebuggerUrl"`
	ActiveTelemetry      []string `json:"activeTelemetry"`
}

// Write atomically persists meta to session.meta.json.
func Write(meta Metadata) error {
	path, err := pathreg.SessionMeta()
	if err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cannot marshal session metadata: %w", err)
	}
	return pathreg.WriteAtomic(path, data, 0o600)
}

// Read loads session.meta.json. Returns (nil, nil) if no session is
// currently recorded — the normal "no active session" state, not an
// error.
func Read() (*Metadata, error) {
	path, err := pathreg.SessionMeta()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("malformed session metadata at %s: %w", path, err)
	}
	return &meta, nil
}

// Remove deletes session.meta.json, tolerating its absence.
func Remove() error {
	path, err := pathreg.SessionMeta()
	if err != nil {
		return err
	}
	return pathreg.CleanupPIDFile(path)
}
