package daemon

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdg-dev/bdg/internal/rpcproto"
)

func TestAwaitReadyFrameParsesValidFrame(t *testing.T) {
	frame := `{"type":"worker_ready","data":{"workerPid":42,"chromePid":7,"cdpPort":9222,"target":{"url":"http://example.com","title":"Example"}}}` + "\n"
	info, err := awaitReadyFrame(context.Background(), strings.NewReader(frame))
	if err != nil {
		t.Fatalf("awaitReadyFrame() error = %v", err)
	}
	if info.WorkerPID != 42 || info.ChromePID != 7 || info.CDPPort != 9222 || info.Target.URL != "http://example.com" {
		t.Fatalf("info = %+v, unexpected", info)
	}
}

func TestAwaitReadyFrameSkipsUnrelatedLinesFirst(t *testing.T) {
	frame := `{"type":"log","data":{}}` + "\n" +
		`{"type":"worker_ready","data":{"workerPid":1,"chromePid":2,"cdpPort":9333,"target":{}}}` + "\n"
	info, err := awaitReadyFrame(context.Background(), strings.NewReader(frame))
	if err != nil {
		t.Fatalf("awaitReadyFrame() error = %v", err)
	}
	if info.WorkerPID != 1 {
		t.Fatalf("WorkerPID = %d, want 1", info.WorkerPID)
	}
}

func TestAwaitReadyFrameMalformedData(t *testing.T) {
	frame := `{"type":"worker_ready","data":{"workerPid":"not-a-number"}}` + "\n"
	_, err := awaitReadyFrame(context.Background(), strings.NewReader(frame))
	if err == nil {
		t.Fatal("awaitReadyFrame() error = nil, want malformed-ready error")
	}
	if _, ok := err.(*malformedReadyErr); !ok {
		t.Fatalf("err = %T, want *malformedReadyErr", err)
	}
}

func TestAwaitReadyFrameWorkerExitsWithoutFrame(t *testing.T) {
	_, err := awaitReadyFrame(context.Background(), bytes.NewReader(nil))
	if err == nil {
		t.Fatal("awaitReadyFrame() error = nil, want exited-before-ready error")
	}
}

// newPipeSupervisor wires a supervisor to one end of an in-memory
// net.Pipe, with srv as the simulated worker's end of the connection.
func newPipeSupervisor(t *testing.T) (*supervisor, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	sup := &supervisor{
		conn:    client,
		reader:  rpcproto.NewFrameReader(client),
		pending: make(map[string]chan *rpcproto.Envelope),
		exitCh:  make(chan struct{}),
	}
	go sup.readLoop()
	t.Cleanup(func() { client.Close(); srv.Close() })
	return sup, srv
}

func TestSupervisorForwardRoundTrip(t *testing.T) {
	sup, srv := newPipeSupervisor(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req, err := rpcproto.NewFrameReader(srv).ReadEnvelope()
		if err != nil {
			t.Errorf("worker side ReadEnvelope() error = %v", err)
			return
		}
		resp, err := rpcproto.WorkerOKEnvelope(rpcproto.ResponseType(rpcproto.CmdWorkerStatus), req.RequestID, map[string]int{"ok": 1})
		if err != nil {
			t.Errorf("WorkerOKEnvelope() error = %v", err)
			return
		}
		if err := rpcproto.WriteEnvelope(srv, resp); err != nil {
			t.Errorf("worker side WriteEnvelope() error = %v", err)
		}
	}()

	resp, err := sup.forward(rpcproto.CmdWorkerStatus, struct{}{}, time.Second)
	if err != nil {
		t.Fatalf("forward() error = %v", err)
	}
	if resp.Status != rpcproto.StatusOK {
		t.Fatalf("Status = %s, want ok", resp.Status)
	}
	wg.Wait()
}

func TestSupervisorForwardTimesOutWithoutResponse(t *testing.T) {
	sup, _ := newPipeSupervisor(t)

	_, err := sup.forward(rpcproto.CmdWorkerStatus, struct{}{}, 20*time.Millisecond)
	if err == nil {
		t.Fatal("forward() error = nil, want timeout error")
	}
	rpcErr, ok := rpcproto.AsError(err)
	if !ok || rpcErr.Code != rpcproto.ErrIPCTimeout {
		t.Fatalf("err = %v, want ErrIPCTimeout", err)
	}
}

func TestSupervisorForwardFailsAfterExit(t *testing.T) {
	sup, srv := newPipeSupervisor(t)
	srv.Close()
	sup.conn.Close()

	// readLoop should observe the closed pipe and mark the supervisor exited.
	deadline := time.After(time.Second)
	for sup.alive() {
		select {
		case <-deadline:
			t.Fatal("supervisor never marked exited after connection close")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := sup.forward(rpcproto.CmdWorkerStatus, struct{}{}, time.Second)
	if err == nil {
		t.Fatal("forward() error = nil, want error after worker exit")
	}
}

func TestSupervisorAliveReflectsExitState(t *testing.T) {
	sup := &supervisor{exitCh: make(chan struct{}), pending: make(map[string]chan *rpcproto.Envelope)}
	if !sup.alive() {
		t.Fatal("alive() = false before exit, want true")
	}
	sup.markExited(nil)
	if sup.alive() {
		t.Fatal("alive() = true after exit, want false")
	}
}
