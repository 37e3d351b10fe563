package worker

import (
	"sync"
	"time"

	"github.com/bdg-dev/bdg/internal/telemetry"
)

// snapshotMode selects which view Store.Snapshot produces (spec.md §4.5
// "Telemetry store").
type snapshotMode string

const (
	modePreview snapshotMode = "preview"
	modeFull    snapshotMode = "full"
	modeFinal   snapshotMode = "final"
)

const previewWindowSize = 1000

// TargetInfo is the session's current tab, reported in snapshots and
// SessionMetadata.
type TargetInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Store holds the in-process record spec.md §4.5 describes: the
// collectors' buffers plus session-level facts. Reading and writing is
// synchronised so the preview writer can take a consistent copy while
// collectors keep appending.
type Store struct {
	mu              sync.Mutex
	startTime       time.Time
	target          TargetInfo
	activeTelemetry []string
	dom             *telemetry.DOMSnapshot
	partial         bool

	network    *telemetry.NetworkCollector
	console    *telemetry.ConsoleCollector
	navigation *telemetry.NavigationTracker
}

// NewStore builds an empty Store for a session that started at startTime.
func NewStore(startTime time.Time, target TargetInfo, activeTelemetry []string) *Store {
	return &Store{startTime: startTime, target: target, activeTelemetry: activeTelemetry}
}

// SetDOM records a one-shot DOM snapshot (captured on request or at
// graceful shutdown).
func (s *Store) SetDOM(snap telemetry.DOMSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dom = &snap
}

// SetPartial marks the session as having ended abnormally, so the final
// snapshot's mode reflects that (spec.md §4.5 shutdown).
func (s *Store) SetPartial(partial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = partial
}

// SetTarget updates the current tab's URL/title, e.g. after a navigation.
func (s *Store) SetTarget(target TargetInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
}

// BindCollectors wires the live collectors whose buffers Snapshot reads
// from. Called once during startup, after the collectors have been
// activated against the CDP transport.
func (s *Store) BindCollectors(network *telemetry.NetworkCollector, console *telemetry.ConsoleCollector, navigation *telemetry.NavigationTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = network
	s.console = console
	s.navigation = navigation
}

// Snapshot is the JSON shape written to session.preview.json,
// session.full.json and session.json.
type Snapshot struct {
	Version         int                         `json:"version"`
	Mode            string                      `json:"mode"`
	StartTime       int64                       `json:"startTime"`
	Duration        int64                       `json:"duration"`
	Target          TargetInfo                  `json:"target"`
	ActiveTelemetry []string                    `json:"activeTelemetry"`
	Network         []telemetry.NetworkRequest  `json:"network"`
	Console         []telemetry.ConsoleMessage  `json:"console"`
	Navigations     []telemetry.NavigationEvent `json:"navigations"`
	DOM             *telemetry.DOMSnapshot      `json:"dom,omitempty"`
	Partial         bool                        `json:"partial,omitempty"`
}

const snapshotVersion = 1

// Snapshot assembles a point-in-time view of the store. preview strips
// response bodies/console args and truncates to the last
// previewWindowSize items of each kind; full and final keep everything.
func (s *Store) Snapshot(mode snapshotMode) Snapshot {
	s.mu.Lock()
	target, activeTelemetry, dom, partial := s.target, s.activeTelemetry, s.dom, s.partial
	networkCollector, consoleCollector, navigationTracker := s.network, s.console, s.navigation
	s.mu.Unlock()

	var network []telemetry.NetworkRequest
	var console []telemetry.ConsoleMessage
	if networkCollector != nil {
		network = networkCollector.Requests()
	}
	if consoleCollector != nil {
		console = consoleCollector.Messages()
	}
	var navigations []telemetry.NavigationEvent
	if navigationTracker != nil {
		navigations = navigationTracker.Events()
	}

	if mode == modePreview {
		network = truncateTail(network, previewWindowSize)
		console = truncateTail(console, previewWindowSize)
		if network != nil {
			network = stripNetworkBodies(network)
		}
		if console != nil {
			console = stripConsoleArgs(console)
		}
	}

	snap := Snapshot{
		Version:         snapshotVersion,
		Mode:            string(mode),
		StartTime:       s.startTime.UnixMilli(),
		Duration:        time.Since(s.startTime).Milliseconds(),
		Target:          target,
		ActiveTelemetry: activeTelemetry,
		Network:         network,
		Console:         console,
		Navigations:     navigations,
		DOM:             dom,
	}
	if mode == modeFinal {
		snap.Partial = partial
	}
	return snap
}

func truncateTail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func stripNetworkBodies(items []telemetry.NetworkRequest) []telemetry.NetworkRequest {
	out := make([]telemetry.NetworkRequest, len(items))
	for i, item := range items {
		item.RequestBody = ""
		item.ResponseBody = ""
		out[i] = item
	}
	return out
}

func stripConsoleArgs(items []telemetry.ConsoleMessage) []telemetry.ConsoleMessage {
	out := make([]telemetry.ConsoleMessage, len(items))
	for i, item := range items {
		item.Args = nil
		out[i] = item
	}
	return out
}
