package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOnDisconnectFiresExactlyOnceOnServerClose exercises the invariant
// from spec.md §4.2: the disconnect callback runs exactly once even
// though reconnection is disabled (so the transport has nowhere else to
// report the loss but through that single callback).
func TestOnDisconnectFiresExactlyOnceOnServerClose(t *testing.T) {
	var upgrader websocket.Upgrader
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	connCh := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var disconnects int32
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/page/1"
	c, err := Dial(context.Background(), wsURL, Options{
		OnDisconnect: func(error) { atomic.AddInt32(&disconnects, 1) },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("server never saw a connection")
	}
	conn.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&disconnects) == 1 })

	// Give any erroneous second callback time to land before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&disconnects); got != 1 {
		t.Fatalf("disconnects = %d, want exactly 1", got)
	}
}
