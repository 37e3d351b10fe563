package telemetry

import (
	"context"
	"testing"
)

func TestNavigationTrackerIgnoresSubFrames(t *testing.T) {
	ft := newFakeTransport()
	nt := NewNavigationTracker()
	cleanup, err := nt.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	ft.fire("Page.frameNavigated", map[string]any{
		"frame": map[string]any{"url": "https://example.com/iframe", "parentId": "main-frame"},
	})
	if nt.Current() != 0 {
		t.Fatalf("Current() = %d, want 0 (sub-frame navigation ignored)", nt.Current())
	}
	if len(nt.Events()) != 0 {
		t.Fatalf("len(Events()) = %d, want 0", len(nt.Events()))
	}
}

func TestNavigationTrackerIncrementsMonotonicallyFromZero(t *testing.T) {
	ft := newFakeTransport()
	nt := NewNavigationTracker()
	cleanup, err := nt.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	for i, url := range []string{"https://example.com/a", "https://example.com/b"} {
		ft.fire("Page.frameNavigated", map[string]any{"frame": map[string]any{"url": url}})
		if nt.Current() != i {
			t.Fatalf("Current() after navigation %d = %d, want %d", i, nt.Current(), i)
		}
	}

	events := nt.Events()
	if len(events) != 2 || events[0].NavigationID != 0 || events[1].NavigationID != 1 {
		t.Fatalf("got %+v", events)
	}
}
