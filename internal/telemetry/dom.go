package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

const domSubCallTimeout = 5 * time.Second

// DOMCollector captures a one-shot DOMSnapshot on explicit request or at
// graceful shutdown (spec.md §4.4).
type DOMCollector struct{}

func NewDOMCollector() *DOMCollector { return &DOMCollector{} }

// Activate enables the domains DOM snapshotting depends on. It registers
// no event handlers, so its Cleanup is a no-op.
func (dc *DOMCollector) Activate(ctx context.Context, t transport) (Cleanup, error) {
	for _, domain := range []string{"Page.enable", "DOM.enable", "Runtime.enable"} {
		if _, err := t.Send(ctx, domain, nil); err != nil {
			return nil, err
		}
	}
	return func() {}, nil
}

// Snapshot captures {url, title, outerHTML}. Each CDP round trip has its
// own bounded timeout; title falls back to "Untitled" on failure so a
// partial snapshot is still useful.
func (dc *DOMCollector) Snapshot(ctx context.Context, t transport, url string) DOMSnapshot {
	snap := DOMSnapshot{URL: url, Title: "Untitled"}

	rootID, err := dc.getDocumentRoot(ctx, t)
	if err == nil {
		if html, err := dc.getOuterHTML(ctx, t, rootID); err == nil {
			snap.OuterHTML = html
		}
	}
	if title, err := dc.getTitle(ctx, t); err == nil && title != "" {
		snap.Title = title
	}
	return snap
}

func (dc *DOMCollector) getDocumentRoot(ctx context.Context, t transport) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, domSubCallTimeout)
	defer cancel()

	raw, err := t.Send(ctx, "DOM.getDocument", nil)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, err
	}
	return parsed.Root.NodeID, nil
}

func (dc *DOMCollector) getOuterHTML(ctx context.Context, t transport, nodeID int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, domSubCallTimeout)
	defer cancel()

	raw, err := t.Send(ctx, "DOM.getOuterHTML", map[string]any{"nodeId": nodeID})
	if err != nil {
		return "", err
	}
	var parsed struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.OuterHTML, nil
}

func (dc *DOMCollector) getTitle(ctx context.Context, t transport) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, domSubCallTimeout)
	defer cancel()

	raw, err := t.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.title",
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.Result.Value, nil
}
