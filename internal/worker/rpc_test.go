package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/telemetry"
)

func newTestWorker(t *testing.T, activeTelemetry []string) *Worker {
	t.Helper()
	store := NewStore(time.Now().Add(-time.Minute), TargetInfo{URL: "http://example.com", Title: "Example"}, activeTelemetry)
	return &Worker{store: store}
}

func TestHandlePeekReturnsPreviewSnapshot(t *testing.T) {
	w := newTestWorker(t, []string{"network"})
	env := &rpcproto.Envelope{RequestID: "r1"}

	resp := w.handlePeek(env, "worker_peek_response")
	if resp.Status != rpcproto.StatusOK {
		t.Fatalf("Status = %s, want ok", resp.Status)
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if snap.Mode != string(modePreview) {
		t.Fatalf("Mode = %q, want %q", snap.Mode, modePreview)
	}
}

func TestHandleStatusReportsActivityCounts(t *testing.T) {
	w := newTestWorker(t, []string{"network", "console"})
	network := telemetry.NewNetworkCollector(telemetry.NetworkConfig{})
	console := telemetry.NewConsoleCollector(telemetry.ConsoleConfig{})
	w.store.BindCollectors(network, console, nil)

	env := &rpcproto.Envelope{RequestID: "r2"}
	resp := w.handleStatus(env, "worker_status_response")
	if resp.Status != rpcproto.StatusOK {
		t.Fatalf("Status = %s, want ok", resp.Status)
	}
	var status statusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if status.Target.URL != "http://example.com" {
		t.Fatalf("Target.URL = %q, want http://example.com", status.Target.URL)
	}
	if status.Activity.Counts["network"] != 0 || status.Activity.Counts["console"] != 0 {
		t.Fatalf("Counts = %+v, want zeros for an empty collector", status.Activity.Counts)
	}
}

func TestHandleDetailsUnknownItemTypeIsInvalidArguments(t *testing.T) {
	w := newTestWorker(t, nil)
	data, _ := json.Marshal(detailsRequest{ItemType: "bogus", ID: "1"})
	env := &rpcproto.Envelope{RequestID: "r3", Data: data}

	resp := w.handleDetails(env, "worker_details_response")
	if resp.Status != rpcproto.StatusError || resp.ErrorCode != rpcproto.ErrInvalidArguments {
		t.Fatalf("got status=%s code=%s, want error/InvalidArguments", resp.Status, resp.ErrorCode)
	}
}

func TestHandleDetailsConsoleNotFoundByIndex(t *testing.T) {
	w := newTestWorker(t, nil)
	data, _ := json.Marshal(detailsRequest{ItemType: "console", ID: "5"})
	env := &rpcproto.Envelope{RequestID: "r4", Data: data}

	resp := w.handleDetails(env, "worker_details_response")
	if resp.Status != rpcproto.StatusError || resp.ErrorCode != rpcproto.ErrNotFound {
		t.Fatalf("got status=%s code=%s, want error/NotFound", resp.Status, resp.ErrorCode)
	}
}

func TestParseIndex(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantOK  bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseIndex(tc.in)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("parseIndex(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDispatchUnrecognisedRequestType(t *testing.T) {
	w := newTestWorker(t, nil)
	env := &rpcproto.Envelope{Type: "bogus_request", RequestID: "r5"}

	resp := w.dispatch(nil, env) //nolint:staticcheck // handler never touches ctx on this path
	if resp.Status != rpcproto.StatusError || resp.ErrorCode != rpcproto.ErrInvalidArguments {
		t.Fatalf("got status=%s code=%s, want error/InvalidArguments", resp.Status, resp.ErrorCode)
	}
}
