package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
)

func TestJSStringLiteralEscapesQuotesAndBackslashes(t *testing.T) {
	got := jsStringLiteral(`a"b\c`)
	var roundTrip string
	if err := json.Unmarshal([]byte(got), &roundTrip); err != nil {
		t.Fatalf("jsStringLiteral() produced invalid JSON literal %q: %v", got, err)
	}
	if roundTrip != `a"b\c` {
		t.Fatalf("round trip = %q, want %q", roundTrip, `a"b\c`)
	}
}

func TestReadLastQueryMissingFile(t *testing.T) {
	if _, ok := readLastQuery(t.TempDir() + "/missing.json"); ok {
		t.Fatal("readLastQuery() on missing file = true, want false")
	}
}

func TestHandleDOMGetNoCachedQuery(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())

	w := &Worker{}
	env := &rpcproto.Envelope{RequestID: "r1"}
	resp := w.handleDOMGet(env, rpcproto.ResponseType(rpcproto.CmdDOMGet))

	if resp.Status != rpcproto.StatusError || resp.ErrorCode != rpcproto.ErrNotFound {
		t.Fatalf("got status=%s code=%s, want error/NotFound", resp.Status, resp.ErrorCode)
	}
}

func TestHandleDOMGetReturnsFreshRecord(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())
	writeLastQuery(t, lastQueryRecord{
		Selector:  "div.card",
		Matches:   json.RawMessage(`["<div class=\"card\"></div>"]`),
		WrittenAt: time.Now().UnixMilli(),
	})

	w := &Worker{}
	env := &rpcproto.Envelope{RequestID: "r2"}
	resp := w.handleDOMGet(env, rpcproto.ResponseType(rpcproto.CmdDOMGet))

	if resp.Status != rpcproto.StatusOK {
		t.Fatalf("status = %s, want ok (message=%s)", resp.Status, resp.Message)
	}
	var record lastQueryRecord
	if err := json.Unmarshal(resp.Data, &record); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if record.Selector != "div.card" {
		t.Fatalf("Selector = %q, want %q", record.Selector, "div.card")
	}
}

func TestHandleDOMGetExpiredRecordIsNotFound(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())
	writeLastQuery(t, lastQueryRecord{
		Selector:  "div.card",
		Matches:   json.RawMessage(`[]`),
		WrittenAt: time.Now().Add(-lastQueryTTL - time.Minute).UnixMilli(),
	})

	w := &Worker{}
	env := &rpcproto.Envelope{RequestID: "r3"}
	resp := w.handleDOMGet(env, rpcproto.ResponseType(rpcproto.CmdDOMGet))

	if resp.Status != rpcproto.StatusError || resp.ErrorCode != rpcproto.ErrNotFound {
		t.Fatalf("got status=%s code=%s, want error/NotFound", resp.Status, resp.ErrorCode)
	}
}

func writeLastQuery(t *testing.T, record lastQueryRecord) {
	t.Helper()
	path, err := pathreg.LastQuery()
	if err != nil {
		t.Fatalf("LastQuery() error = %v", err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := pathreg.WriteAtomic(path, data, 0o600); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}
}
