package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bdg-dev/bdg/internal/bdglog"
	"github.com/bdg-dev/bdg/internal/cdp"
	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/readiness"
	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/session"
	"github.com/bdg-dev/bdg/internal/telemetry"
)

// shutdownReason enumerates why a session ended (spec.md §4.5 "Shutdown").
type shutdownReason string

const (
	reasonNormal  shutdownReason = "normal"
	reasonCrash   shutdownReason = "crash"
	reasonTimeout shutdownReason = "timeout"
)

// ReadyInfo is the payload of the single worker_ready JSONL frame the
// worker emits on stdout once it has navigated and opened its RPC socket
// (spec.md §4.5 step 7).
type ReadyInfo struct {
	WorkerPID int        `json:"workerPid"`
	ChromePID int        `json:"chromePid"`
	CDPPort   int        `json:"cdpPort"`
	Target    TargetInfo `json:"target"`
}

// Worker owns one Chrome process, one CDP connection, the telemetry
// collectors reading from it, and the RPC socket the daemon forwards
// requests to (spec.md §4.5).
type Worker struct {
	cfg    Config
	logger *bdglog.Logger
	stdout io.Writer

	chrome      *chromeInstance
	cdp         *cdp.Client
	sessionLock *pathreg.Lock
	store       *Store
	preview     *previewWriter
	rpcSrv      *rpcServer
	readiness   *readiness.Detector

	navTracker *telemetry.NavigationTracker
	domCol     *telemetry.DOMCollector

	cleanupsMu sync.Mutex
	cleanups   []telemetry.Cleanup // reverse-run at shutdown

	shutdownOnce sync.Once
	shutdownCh   chan shutdownReason
	doneCh       chan struct{}
}

// Run executes the full worker lifecycle: startup (spec.md §4.5 steps
// 1-8), serve until a shutdown is requested, then graceful teardown. It
// returns once the worker has fully shut down.
func Run(ctx context.Context, cfg Config, stdout io.Writer, logger *bdglog.Logger) error {
	w := &Worker{
		cfg:        cfg,
		logger:     logger,
		stdout:     stdout,
		shutdownCh: make(chan shutdownReason, 1),
		doneCh:     make(chan struct{}),
	}

	if err := w.startup(ctx); err != nil {
		w.logger.Log("worker_start_failed", bdglog.Fields{"error": err.Error()})
		return err
	}

	reason := w.serveUntilShutdown(ctx)
	w.shutdown(reason)
	return nil
}

// startup runs spec.md §4.5's numbered startup sequence in order. Any
// step's failure unwinds the steps that already succeeded before
// returning the error, since no worker_ready frame will follow.
func (w *Worker) startup(ctx context.Context) error {
	startTime := time.Now()

	chromeInst, err := startChrome(ctx, w.cfg)
	if err != nil {
		return err
	}
	w.chrome = chromeInst
	if chromeInst.launched {
		if path, err := pathreg.ChromePID(); err == nil {
			_ = pathreg.WritePID(path, chromeInst.pid)
		}
	}

	sessionLockPath, err := pathreg.SessionLock()
	if err != nil {
		w.failChrome(chromeInst)
		return err
	}
	w.sessionLock = pathreg.NewLock(sessionLockPath)
	if err := w.sessionLock.Acquire(); err != nil {
		w.failChrome(chromeInst)
		if held, ok := err.(*pathreg.ErrLockHeld); ok {
			return sessionAlreadyRunningErr(held.HolderPID)
		}
		return err
	}

	target, err := acquireTarget(ctx, chromeInst.wsBaseURL, w.cfg)
	if err != nil {
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}

	client, err := cdp.Dial(ctx, target.WebSocketDebuggerURL, cdp.Options{
		PingInterval: 15 * time.Second,
		Reconnect:    false,
		OnDisconnect: func(error) { w.requestShutdown(reasonCrash) },
	})
	if err != nil {
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}
	w.cdp = client

	targetInfo := TargetInfo{ID: target.ID, URL: target.URL, Title: target.Title}
	w.store = NewStore(startTime, targetInfo, w.cfg.ActiveTelemetry)

	if err := w.activateCollectors(ctx); err != nil {
		w.runCleanups()
		client.Close()
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}

	w.readiness = readiness.New(client, readiness.Config{Deadline: w.cfg.ReadinessDeadline})

	if w.cfg.URL != "" && !w.cfg.ReuseExistingTab {
		if _, err := client.Send(ctx, "Page.navigate", map[string]any{"url": w.cfg.URL}); err != nil {
			w.runCleanups()
			client.Close()
			w.unwindLock()
			w.failChrome(chromeInst)
			return err
		}
	}
	_ = w.readiness.Await(ctx)

	workerSockPath, err := pathreg.WorkerSock(os.Getpid())
	if err != nil {
		w.runCleanups()
		client.Close()
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}
	listener, err := listenWorkerSocket(workerSockPath)
	if err != nil {
		w.runCleanups()
		client.Close()
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}
	w.rpcSrv = newRPCServer(listener, w)

	meta := session.Metadata{
		WorkerPID:            os.Getpid(),
		ChromePID:            chromeInst.pid,
		StartTime:            startTime.UnixMilli(),
		CDPPort:              w.cfg.ChromePort,
		TargetID:             target.ID,
		WebSocketDebuggerURL: target.WebSocketDebuggerURL,
		ActiveTelemetry:      w.cfg.ActiveTelemetry,
	}
	if err := session.Write(meta); err != nil {
		w.runCleanups()
		client.Close()
		_ = listener.Close()
		w.unwindLock()
		w.failChrome(chromeInst)
		return err
	}
	if pidPath, err := pathreg.SessionPID(); err == nil {
		_ = pathreg.WritePID(pidPath, os.Getpid())
	}

	previewPath, _ := pathreg.SessionPreview()
	fullPath, _ := pathreg.SessionFull()
	w.preview = newPreviewWriter(w.store, previewPath, fullPath, w.cfg.PreviewInterval)
	w.preview.start()

	if err := w.emitReadyFrame(chromeInst, target); err != nil {
		w.logger.Log("worker_ready_frame_failed", bdglog.Fields{"error": err.Error()})
	}
	w.logger.Log("worker_started", bdglog.Fields{"workerPid": os.Getpid(), "chromePid": chromeInst.pid, "url": target.URL})

	go w.rpcSrv.serve()
	return nil
}

func (w *Worker) emitReadyFrame(chromeInst *chromeInstance, target targetInfo) error {
	info := ReadyInfo{
		WorkerPID: os.Getpid(),
		ChromePID: chromeInst.pid,
		CDPPort:   w.cfg.ChromePort,
		Target:    TargetInfo{ID: target.ID, URL: target.URL, Title: target.Title},
	}
	data, err := json.Marshal(map[string]any{"type": "worker_ready", "data": info})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.stdout.Write(data)
	return err
}

// activateCollectors turns on every requested telemetry collector before
// navigation, per spec.md §4.5 step 5, and binds them into the store.
func (w *Worker) activateCollectors(ctx context.Context) error {
	w.navTracker = telemetry.NewNavigationTracker()
	navCleanup, err := w.navTracker.Activate(ctx, w.cdp)
	if err != nil {
		return fmt.Errorf("activate navigation tracker: %w", err)
	}
	w.addCleanup(navCleanup)

	var networkCol *telemetry.NetworkCollector
	if w.cfg.telemetryEnabled("network") {
		networkCol = telemetry.NewNetworkCollector(telemetry.NetworkConfig{NavigationID: w.navTracker.Current})
		cleanup, err := networkCol.Activate(ctx, w.cdp)
		if err != nil {
			return fmt.Errorf("activate network collector: %w", err)
		}
		w.addCleanup(cleanup)
	}

	var consoleCol *telemetry.ConsoleCollector
	if w.cfg.telemetryEnabled("console") {
		consoleCol = telemetry.NewConsoleCollector(telemetry.ConsoleConfig{
			NavigationID: w.navTracker.Current,
			IncludeAll:   w.cfg.IncludeAllConsole,
		})
		cleanup, err := consoleCol.Activate(ctx, w.cdp)
		if err != nil {
			return fmt.Errorf("activate console collector: %w", err)
		}
		w.addCleanup(cleanup)
	}

	if w.cfg.telemetryEnabled("dom") {
		w.domCol = telemetry.NewDOMCollector()
		cleanup, err := w.domCol.Activate(ctx, w.cdp)
		if err != nil {
			return fmt.Errorf("activate dom collector: %w", err)
		}
		w.addCleanup(cleanup)
	}

	w.store.BindCollectors(networkCol, consoleCol, w.navTracker)
	return nil
}

func (w *Worker) addCleanup(c telemetry.Cleanup) {
	w.cleanupsMu.Lock()
	defer w.cleanupsMu.Unlock()
	w.cleanups = append(w.cleanups, c)
}

// runCleanups invokes every registered collector cleanup in reverse
// registration order; one failure never prevents the rest from running
// (spec.md §4.5 shutdown).
func (w *Worker) runCleanups() {
	w.cleanupsMu.Lock()
	cleanups := append([]telemetry.Cleanup{}, w.cleanups...)
	w.cleanupsMu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		w.safeCleanup(cleanups[i])
	}
}

func (w *Worker) safeCleanup(c telemetry.Cleanup) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: collector cleanup panicked: %v", r)
		}
	}()
	c()
}

func (w *Worker) unwindLock() {
	if w.sessionLock != nil {
		_ = w.sessionLock.Release()
	}
}

func (w *Worker) failChrome(inst *chromeInstance) {
	if err := terminateChrome(inst); err != nil {
		log.Printf("worker: chrome termination after failed startup: %v", err)
	}
}

// requestShutdown records the first shutdown reason observed; later
// calls are no-ops so the original reason wins. It is called when the
// CDP connection drops.
func (w *Worker) requestShutdown(reason shutdownReason) {
	w.shutdownOnce.Do(func() {
		w.shutdownCh <- reason
	})
}

// serveUntilShutdown blocks until a shutdown is requested by signal (the
// daemon's stop_session handling sends SIGTERM), CDP disconnect, the idle
// timeout, or ctx cancellation, then returns the reason.
func (w *Worker) serveUntilShutdown(ctx context.Context) shutdownReason {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var idleTimer <-chan time.Time
	if w.cfg.IdleTimeout > 0 {
		t := time.NewTimer(w.cfg.IdleTimeout)
		defer t.Stop()
		idleTimer = t.C
	}

	select {
	case <-sigCh:
		return reasonNormal
	case reason := <-w.shutdownCh:
		return reason
	case <-idleTimer:
		return reasonTimeout
	case <-ctx.Done():
		return reasonNormal
	}
}

// shutdown runs spec.md §4.5's shutdown ladder in order; every step is
// best-effort and failures are logged rather than aborting the ladder.
func (w *Worker) shutdown(reason shutdownReason) {
	defer close(w.doneCh)
	w.logger.Log("worker_shutdown_begin", bdglog.Fields{"reason": string(reason)})

	if w.rpcSrv != nil {
		_ = w.rpcSrv.close()
	}
	if w.preview != nil {
		w.preview.stop()
	}

	if reason == reasonNormal && w.domCol != nil {
		currentURL := w.store.Snapshot(modeFull).Target.URL
		snap := w.domCol.Snapshot(context.Background(), w.cdp, currentURL)
		w.store.SetDOM(snap)
	}

	w.runCleanups()

	if w.cdp != nil {
		_ = w.cdp.Close()
	}

	if err := terminateChrome(w.chrome); err != nil {
		log.Printf("worker: chrome termination failed: %v", err)
	}

	w.store.SetPartial(reason != reasonNormal)
	finalPath, _ := pathreg.SessionFinal()
	if finalPath != "" {
		if err := writeSnapshot(finalPath, w.store.Snapshot(modeFinal)); err != nil {
			log.Printf("worker: final snapshot write failed: %v", err)
		}
	}

	w.unwindLock()
	w.cleanupSessionFiles()
	w.logger.Log("worker_shutdown_complete", bdglog.Fields{"reason": string(reason)})
}

// sessionAlreadyRunningErr builds the structured error returned when this
// worker loses the race to acquire session.lock against a live holder
// (spec.md §4.5 step 2).
func sessionAlreadyRunningErr(holderPID int) error {
	return rpcproto.NewError(rpcproto.ErrSessionAlreadyRunning, "session already running under pid %d", holderPID)
}

func (w *Worker) cleanupSessionFiles() {
	for _, pathFn := range []func() (string, error){
		pathreg.SessionPID, pathreg.SessionMeta, pathreg.SessionPreview, pathreg.SessionFull,
	} {
		if p, err := pathFn(); err == nil {
			_ = pathreg.CleanupPIDFile(p)
		}
	}
	if sockPath, err := pathreg.WorkerSock(os.Getpid()); err == nil {
		_ = os.Remove(sockPath)
	}
}
