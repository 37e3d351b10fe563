package telemetry

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDOMCollectorSnapshotsRootHTMLAndTitle(t *testing.T) {
	ft := newFakeTransport()
	var calls []string
	ft.sendFunc = func(method string, params any) (json.RawMessage, error) {
		calls = append(calls, method)
		switch method {
		case "DOM.getDocument":
			return json.Marshal(map[string]any{"root": map[string]any{"nodeId": 7}})
		case "DOM.getOuterHTML":
			return json.Marshal(map[string]any{"outerHTML": "<html></html>"})
		case "Runtime.evaluate":
			return json.Marshal(map[string]any{"result": map[string]any{"value": "My Page"}})
		}
		return json.RawMessage(`{}`), nil
	}

	dc := NewDOMCollector()
	cleanup, err := dc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()
	// Only the calls Snapshot makes are checked; drop Activate's enables.
	calls = nil

	snap := dc.Snapshot(context.Background(), ft, "https://example.com")
	if snap.URL != "https://example.com" || snap.Title != "My Page" || snap.OuterHTML != "<html></html>" {
		t.Fatalf("got %+v", snap)
	}

	wantOrder := []string{"DOM.getDocument", "DOM.getOuterHTML", "Runtime.evaluate"}
	if len(calls) != len(wantOrder) {
		t.Fatalf("calls = %v, want %v", calls, wantOrder)
	}
	for i, m := range wantOrder {
		if calls[i] != m {
			t.Fatalf("calls[%d] = %q, want %q", i, calls[i], m)
		}
	}
}

func TestDOMCollectorFallsBackToUntitledOnFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.sendFunc = func(method string, params any) (json.RawMessage, error) {
		switch method {
		case "DOM.getDocument":
			return json.Marshal(map[string]any{"root": map[string]any{"nodeId": 1}})
		case "DOM.getOuterHTML":
			return json.Marshal(map[string]any{"outerHTML": "<html></html>"})
		case "Runtime.evaluate":
			return nil, context.DeadlineExceeded
		}
		return json.RawMessage(`{}`), nil
	}

	dc := NewDOMCollector()
	cleanup, err := dc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	snap := dc.Snapshot(context.Background(), ft, "https://example.com")
	if snap.Title != "Untitled" {
		t.Fatalf("Title = %q, want Untitled", snap.Title)
	}
	if snap.OuterHTML != "<html></html>" {
		t.Fatalf("OuterHTML should still be populated, got %q", snap.OuterHTML)
	}
}

func TestDOMCollectorSnapshotSurvivesRootLookupFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.sendFunc = func(method string, params any) (json.RawMessage, error) {
		if method == "DOM.getDocument" {
			return nil, context.DeadlineExceeded
		}
		return json.Marshal(map[string]any{"result": map[string]any{"value": "Still Works"}})
	}

	dc := NewDOMCollector()
	cleanup, err := dc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	snap := dc.Snapshot(context.Background(), ft, "https://example.com")
	if snap.OuterHTML != "" {
		t.Fatalf("OuterHTML = %q, want empty when root lookup fails", snap.OuterHTML)
	}
	if snap.Title != "Still Works" {
		t.Fatalf("Title = %q, want Still Works", snap.Title)
	}
}
