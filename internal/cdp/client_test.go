package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdg-dev/bdg/internal/rpcproto"
)

// fakeTarget is a minimal CDP-speaking WebSocket server for tests: it
// echoes a canned result keyed by method and can push events on demand.
type fakeTarget struct {
	srv     *httptest.Server
	upgrade websocket.Upgrader
	connCh  chan *websocket.Conn
}

func newFakeTarget(t *testing.T, handle func(conn *websocket.Conn, frame wireFrame)) *fakeTarget {
	t.Helper()
	ft := &fakeTarget{connCh: make(chan *websocket.Conn, 1)}
	ft.upgrade.CheckOrigin = func(r *http.Request) bool { return true }
	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ft.upgrade.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ft.connCh <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			handle(conn, frame)
		}
	})
	ft.srv = httptest.NewServer(mux)
	return ft
}

func (ft *fakeTarget) wsURL() string {
	return "ws" + strings.TrimPrefix(ft.srv.URL, "http") + "/devtools/page/1"
}

func (ft *fakeTarget) close() { ft.srv.Close() }

func dialFake(t *testing.T, ft *fakeTarget, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ft.wsURL(), opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendReceivesMatchingResponse(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {
		reply, _ := json.Marshal(map[string]any{
			"id":     frame.ID,
			"result": map[string]string{"frameId": "F1"},
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer ft.close()

	c := dialFake(t, ft, Options{SendTimeout: 2 * time.Second})
	result, err := c.Send(context.Background(), "Page.navigate", map[string]string{"url": "about:blank"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	var got struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.FrameID != "F1" {
		t.Fatalf("frameId = %q, want F1", got.FrameID)
	}
}

func TestSendSurfacesProtocolError(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {
		reply, _ := json.Marshal(map[string]any{
			"id":    frame.ID,
			"error": map[string]any{"code": -32000, "message": "no such node"},
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer ft.close()

	c := dialFake(t, ft, Options{SendTimeout: 2 * time.Second})
	_, err := c.Send(context.Background(), "DOM.getOuterHTML", nil)
	rpcErr, ok := rpcproto.AsError(err)
	if !ok {
		t.Fatalf("error type = %T, want *rpcproto.Error", err)
	}
	if rpcErr.Code != rpcproto.ErrCDPProtocol || rpcErr.CDPCode != -32000 {
		t.Fatalf("got %+v", rpcErr)
	}
}

func TestSendTimesOutWhenNoResponseArrives(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {
		// Never reply.
	})
	defer ft.close()

	c := dialFake(t, ft, Options{SendTimeout: 50 * time.Millisecond})
	_, err := c.Send(context.Background(), "Network.enable", nil)
	rpcErr, ok := rpcproto.AsError(err)
	if !ok || rpcErr.Code != rpcproto.ErrCDPTimeout {
		t.Fatalf("err = %v, want ErrCDPTimeout", err)
	}
}

func TestSendAfterCloseFailsWithInvalidArguments(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {})
	defer ft.close()

	c := dialFake(t, ft, Options{SendTimeout: time.Second})
	c.Close()

	_, err := c.Send(context.Background(), "Network.enable", nil)
	rpcErr, ok := rpcproto.AsError(err)
	if !ok || rpcErr.Code != rpcproto.ErrInvalidArguments {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
}

func TestCloseFailsAllPendingSends(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {})
	defer ft.close()

	c := dialFake(t, ft, Options{SendTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Network.enable", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if _, ok := rpcproto.AsError(err); !ok {
			t.Fatalf("err = %v, want *rpcproto.Error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := newFakeTarget(t, func(conn *websocket.Conn, frame wireFrame) {})
	defer ft.close()

	c := dialFake(t, ft, Options{})
	if err := c.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
