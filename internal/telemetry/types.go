// Package telemetry implements the network, console, navigation and DOM
// collectors described in spec.md §4.4: each registers a fixed set of CDP
// event handlers, writes into a bounded in-memory buffer, and returns a
// cleanup function that unregisters every handler it added.
package telemetry

import (
	"context"
	"encoding/json"

	"github.com/bdg-dev/bdg/internal/cdp"
)

// NetworkRequest is the spec.md §3 NetworkRequest resource: created on
// requestWillBeSent, enriched on responseReceived, finalised on
// loadingFinished/loadingFailed.
type NetworkRequest struct {
	RequestID       string            `json:"requestId"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Timestamp       int64             `json:"timestamp"`
	Status          int               `json:"status,omitempty"`
	MimeType        string            `json:"mimeType,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	NavigationID    int               `json:"navigationId,omitempty"`
	Failed          bool              `json:"failed"`
	Error           string            `json:"error,omitempty"`
}

// ConsoleMessage is the spec.md §3 ConsoleMessage resource.
type ConsoleMessage struct {
	Type         string   `json:"type"`
	Text         string   `json:"text"`
	Timestamp    int64    `json:"timestamp"`
	Args         []string `json:"args,omitempty"`
	NavigationID int      `json:"navigationId,omitempty"`
}

// NavigationEvent is the spec.md §3 NavigationEvent resource.
type NavigationEvent struct {
	URL          string `json:"url"`
	Timestamp    int64  `json:"timestamp"`
	NavigationID int    `json:"navigationId"`
}

// DOMSnapshot is the spec.md §3 DOMSnapshot resource.
type DOMSnapshot struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	OuterHTML string `json:"outerHTML"`
}

// transport is the narrow CDP surface every collector needs. Defined
// locally (rather than importing *cdp.Client directly) so collectors can
// be exercised against a fake in tests without a real WebSocket.
type transport interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	On(method string, fn func(cdp.Event)) int64
	Off(method string, handlerID int64)
}

// Cleanup unregisters every handler a collector's Activate call added. It
// is always safe to call more than once.
type Cleanup func()
