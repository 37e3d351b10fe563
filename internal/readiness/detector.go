// Package readiness implements the adaptive, always-best-effort page
// readiness wait described in spec.md §4.3: a load phase, a network-
// stability phase and a DOM-stability phase, all bounded by one overall
// deadline. The detector never reports failure — a phase that runs past
// its share of the deadline is logged and treated as satisfied so a
// caller can always proceed with a best-effort snapshot.
package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bdg-dev/bdg/internal/cdp"
)

// transport is the subset of *cdp.Client the detector needs, narrowed so
// tests can supply a fake without a real WebSocket.
type transport interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	On(method string, fn func(cdp.Event)) int64
	Off(method string, handlerID int64)
}

// Config tunes the detector. Zero values take the spec.md §4.3 defaults.
type Config struct {
	Deadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Second
	}
	return c
}

// Detector runs the three-phase readiness wait against a CDP transport.
// It holds no per-navigation state, so the same Detector is re-used for
// every navigation in a session.
type Detector struct {
	t   transport
	cfg Config
}

// New builds a Detector bound to t.
func New(t transport, cfg Config) *Detector {
	return &Detector{t: t, cfg: cfg.withDefaults()}
}

// Await runs the load, network-stable and DOM-stable phases in order
// under a single wall-clock deadline. It always returns nil: readiness
// here is advisory, never a hard precondition for the caller to act on.
func (d *Detector) Await(ctx context.Context) error {
	deadline := time.Now().Add(d.cfg.Deadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	d.awaitLoad(ctx)
	d.awaitNetworkStable(ctx, deadline)
	d.awaitDOMStable(ctx, deadline)
	return nil
}

func (d *Detector) awaitLoad(ctx context.Context) {
	if _, err := d.t.Send(ctx, "Page.enable", nil); err != nil {
		log.Printf("readiness: Page.enable failed: %v", err)
		return
	}

	if raw, err := d.evaluateRaw(ctx, "document.readyState"); err == nil {
		var state string
		if json.Unmarshal(raw, &state) == nil && state == "complete" {
			return
		}
	}

	fired := make(chan struct{}, 1)
	id := d.t.On("Page.loadEventFired", func(cdp.Event) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer d.t.Off("Page.loadEventFired", id)

	select {
	case <-fired:
	case <-ctx.Done():
		log.Printf("readiness: deadline elapsed waiting for load event")
	}
}

func (d *Detector) evaluateRaw(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := d.t.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if parsed.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluate %q: %s", expression, parsed.ExceptionDetails.Text)
	}
	return parsed.Result.Value, nil
}
