package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bdg-dev/bdg/internal/bdglog"
	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/worker"
)

// dialAttempts/dialBackoff bound the daemon's wait for the worker's
// private socket to appear; the worker opens it just before emitting
// worker_ready, so this is normally immediate.
const (
	dialAttempts = 20
	dialBackoff  = 25 * time.Millisecond
)

// supervisor is the daemon-side half of one worker subprocess's
// lifetime: the spawned *exec.Cmd, the persistent connection to the
// worker's own unix socket, and the pendingRequests map spec.md §4.6
// describes.
type supervisor struct {
	logger *bdglog.Logger

	cmd    *exec.Cmd
	stderr *stderrRing
	ready  worker.ReadyInfo

	conn      pendingConn
	reader    *rpcproto.FrameReader
	writeMu   sync.Mutex
	startedAt time.Time

	pendingMu sync.Mutex
	pending   map[string]chan *rpcproto.Envelope

	exitOnce sync.Once
	exitCh   chan struct{}
	exitErr  error
}

// pendingConn narrows net.Conn to what forward/readLoop need, so a fake
// can stand in for tests.
type pendingConn interface {
	io.Reader
	io.Writer
	Close() error
}

// spawnWorker runs spec.md §4.5's startup sequence from the daemon's side:
// launch the worker subprocess, wait for its worker_ready frame within
// startSessionTimeout, then dial its private RPC socket.
func spawnWorker(ctx context.Context, cfg Config, logger *bdglog.Logger, startURL, externalWSURL string) (*supervisor, error) {
	workerCfg := worker.Config{
		URL:               startURL,
		ChromePort:        cfg.ChromePort,
		ActiveTelemetry:   cfg.ActiveTelemetry,
		ReadinessDeadline: cfg.ReadinessDeadline,
		Headless:          cfg.Headless,
		ExternalWSURL:     externalWSURL,
		ChromeBinary:      cfg.ChromeBinary,
		ReuseExistingTab:  cfg.ReuseExistingTab,
		PreviewInterval:   cfg.PreviewInterval,
		IdleTimeout:       cfg.IdleTimeout,
		IncludeAllConsole: cfg.IncludeAllConsole,
	}
	data, err := json.Marshal(workerCfg)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrWorkerStartFailed, err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrWorkerStartFailed, err)
	}

	cmd := exec.Command(self, WorkerCommandName, string(data))
	cmd.Env = append(os.Environ(), WorkerEnvVar+"=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrWorkerStartFailed, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrWorkerStartFailed, err)
	}

	ring := newStderrRing(50)
	if err := cmd.Start(); err != nil {
		return nil, workerStartErr(rpcproto.WorkerSpawnFailed, err, "")
	}

	go drainStderr(stderrPipe, ring)

	ready, err := awaitReadyFrame(ctx, stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		subcase := rpcproto.WorkerReadyTimeout
		if _, ok := err.(*malformedReadyErr); ok {
			subcase = rpcproto.WorkerMalformedReady
		}
		return nil, workerStartErr(subcase, err, ring.joinedLines())
	}
	go io.Copy(io.Discard, stdout)

	sockPath, err := pathreg.WorkerSock(ready.WorkerPID)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, workerStartErr(rpcproto.WorkerSpawnFailed, err, ring.joinedLines())
	}
	conn, err := dialWorkerSocket(sockPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, workerStartErr(rpcproto.WorkerSpawnFailed, err, ring.joinedLines())
	}

	sup := &supervisor{
		logger:    logger,
		cmd:       cmd,
		stderr:    ring,
		ready:     ready,
		conn:      conn,
		reader:    rpcproto.NewFrameReader(conn),
		startedAt: time.Now(),
		pending:   make(map[string]chan *rpcproto.Envelope),
		exitCh:    make(chan struct{}),
	}
	go sup.readLoop()
	go sup.watchExit()
	return sup, nil
}

type malformedReadyErr struct{ cause error }

func (e *malformedReadyErr) Error() string { return fmt.Sprintf("malformed worker_ready frame: %v", e.cause) }

// awaitReadyFrame scans the worker's stdout for its single worker_ready
// JSONL frame, bounded by startSessionTimeout (spec.md §4.6
// start_session_request).
func awaitReadyFrame(ctx context.Context, stdout io.Reader) (worker.ReadyInfo, error) {
	type result struct {
		info worker.ReadyInfo
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var frame struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if json.Unmarshal(scanner.Bytes(), &frame) != nil || frame.Type != "worker_ready" {
				continue
			}
			var info worker.ReadyInfo
			if err := json.Unmarshal(frame.Data, &info); err != nil {
				resCh <- result{err: &malformedReadyErr{cause: err}}
				return
			}
			resCh <- result{info: info}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		resCh <- result{err: fmt.Errorf("worker exited before emitting worker_ready: %w", err)}
	}()

	select {
	case res := <-resCh:
		return res.info, res.err
	case <-time.After(startSessionTimeout):
		return worker.ReadyInfo{}, fmt.Errorf("timed out waiting for worker_ready after %s", startSessionTimeout)
	case <-ctx.Done():
		return worker.ReadyInfo{}, ctx.Err()
	}
}

func dialWorkerSocket(path string) (pendingConn, error) {
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		conn, err := dialUnix(path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialBackoff)
	}
	return nil, lastErr
}

func workerStartErr(subcase rpcproto.WorkerStartSubcase, cause error, stderr string) error {
	return &rpcproto.Error{Code: rpcproto.ErrWorkerStartFailed, Message: cause.Error(), Subcase: subcase, Stderr: stderr}
}

func drainStderr(r io.Reader, ring *stderrRing) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ring.add(scanner.Text())
	}
}

// forward sends cmd to the worker over its persistent socket and waits
// for the matching response, a timeout, or the worker's exit — whichever
// comes first (spec.md §4.6 "Worker channel").
func (s *supervisor) forward(cmd rpcproto.Command, payload any, timeout time.Duration) (*rpcproto.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err)
	}

	requestID := uuid.NewString()
	env := &rpcproto.Envelope{Type: rpcproto.RequestType(cmd), RequestID: requestID, Data: data}

	respCh := make(chan *rpcproto.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	s.writeMu.Lock()
	writeErr := rpcproto.WriteEnvelope(s.conn, env)
	s.writeMu.Unlock()
	if writeErr != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrIPCConnection, writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, rpcproto.NewError(rpcproto.ErrIPCTimeout, "%s timed out after %s", cmd, timeout)
	case <-s.exitCh:
		return nil, rpcproto.NewError(rpcproto.ErrNoSession, "worker exited before responding to %s", cmd)
	}
}

// readLoop demultiplexes worker responses back to whichever forward()
// call is waiting on that requestId; a response for an unknown or
// already-timed-out requestId is silently dropped (spec.md §4.6).
func (s *supervisor) readLoop() {
	for {
		env, err := s.reader.ReadEnvelope()
		if err != nil {
			s.markExited(err)
			return
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[env.RequestID]
		s.pendingMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (s *supervisor) watchExit() {
	err := s.cmd.Wait()
	s.markExited(err)
}

func (s *supervisor) markExited(err error) {
	s.exitOnce.Do(func() {
		s.exitErr = err
		close(s.exitCh)
		if s.logger != nil {
			s.logger.Log("worker_exited", bdglog.Fields{"pid": s.ready.WorkerPID, "error": fmt.Sprint(err)})
		}
	})
}

// terminate sends a graceful-terminate signal to the worker and waits up
// to 5s before force-killing it (spec.md §4.6 "Shutdown").
func (s *supervisor) terminate() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.exitCh:
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-s.exitCh
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// alive reports whether the worker process has not yet exited.
func (s *supervisor) alive() bool {
	select {
	case <-s.exitCh:
		return false
	default:
		return true
	}
}
