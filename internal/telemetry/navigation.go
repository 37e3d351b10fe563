package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdg-dev/bdg/internal/cdp"
)

// NavigationTracker assigns a monotonically increasing navigationId to
// every main-frame navigation (spec.md §4.4). Sub-frame navigations are
// ignored. The initial URL is populated externally from session metadata,
// not observed via CDP.
type NavigationTracker struct {
	id  int64 // latest main-frame navigation id; -1 until the first one, which gets 0
	mu  sync.Mutex
	buf []NavigationEvent
}

func NewNavigationTracker() *NavigationTracker {
	return &NavigationTracker{id: -1}
}

// Current returns the navigationId of the most recent main-frame
// navigation, or 0 if none has occurred yet.
func (nt *NavigationTracker) Current() int {
	id := atomic.LoadInt64(&nt.id)
	if id < 0 {
		return 0
	}
	return int(id)
}

// Events returns a snapshot copy of every recorded navigation.
func (nt *NavigationTracker) Events() []NavigationEvent {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	out := make([]NavigationEvent, len(nt.buf))
	copy(out, nt.buf)
	return out
}

// Activate enables the Page domain and tracks frameNavigated events.
func (nt *NavigationTracker) Activate(ctx context.Context, t transport) (Cleanup, error) {
	if _, err := t.Send(ctx, "Page.enable", nil); err != nil {
		return nil, err
	}
	id := t.On("Page.frameNavigated", func(evt cdp.Event) { nt.onFrameNavigated(evt) })
	return func() { t.Off("Page.frameNavigated", id) }, nil
}

func (nt *NavigationTracker) onFrameNavigated(evt cdp.Event) {
	var params struct {
		Frame struct {
			URL      string `json:"url"`
			ParentID string `json:"parentId"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}
	if params.Frame.ParentID != "" {
		return // sub-frame navigation, not tracked
	}

	next := atomic.AddInt64(&nt.id, 1)
	event := NavigationEvent{URL: params.Frame.URL, Timestamp: time.Now().UnixMilli(), NavigationID: int(next)}

	nt.mu.Lock()
	nt.buf = append(nt.buf, event)
	nt.mu.Unlock()
}
