// Package daemon implements the supervisor described in spec.md §4.6:
// it owns the client-facing unix socket, spawns and monitors the worker
// subprocess, routes RPCs, and enforces single-daemon-per-user semantics
// through an exclusive lock file.
package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bdg-dev/bdg/internal/bdglog"
	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/session"
)

const (
	// WorkerCommandName is the hidden subcommand cmd/bdg dispatches to
	// when re-invoking itself as a worker (spec.md §6 "a flag marking
	// the current process as the daemon worker").
	WorkerCommandName = "__worker"
	// WorkerEnvVar, when set in the spawned process's environment,
	// prevents it from ever trying to spawn a daemon or worker of its
	// own (launch-loop guard).
	WorkerEnvVar = "BDG_WORKER"

	clientQueryTimeout = 5 * time.Second
	startSessionTimeout = 40 * time.Second
)

// Config is the daemon's own tunables plus the defaults it hands a newly
// spawned worker (spec.md §4.5 "Entry", passed through start_session).
type Config struct {
	ChromePort        int
	ChromeBinary      string
	Headless          bool
	ActiveTelemetry   []string
	ReadinessDeadline time.Duration
	PreviewInterval   time.Duration
	IdleTimeout       time.Duration
	IncludeAllConsole bool
	ReuseExistingTab  bool
}

func (c Config) withDefaults() Config {
	if c.ChromePort <= 0 {
		c.ChromePort = 9222
	}
	if len(c.ActiveTelemetry) == 0 {
		c.ActiveTelemetry = []string{"network", "console", "navigation"}
	}
	return c
}

// Daemon owns daemon.sock and the lifecycle of at most one worker
// subprocess at a time (spec.md §4.6).
type Daemon struct {
	cfg    Config
	logger *bdglog.Logger

	lock     *pathreg.Lock
	listener net.Listener

	mu  sync.Mutex
	sup *supervisor // nil when idle

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New validates nothing and allocates zero resources; call Run to
// actually acquire the lock and start serving.
func New(cfg Config, logger *bdglog.Logger) *Daemon {
	return &Daemon{cfg: cfg.withDefaults(), logger: logger, shutdownCh: make(chan struct{})}
}

// Run acquires daemon.lock, cleans up stale session artefacts from a
// prior crashed run, opens daemon.sock, writes daemon.pid, and serves
// until a fatal signal, an explicit stop_session shutdown, or ctx is
// cancelled (spec.md §4.6 "Startup"/"Shutdown").
func (d *Daemon) Run(ctx context.Context) error {
	lockPath, err := pathreg.DaemonLock()
	if err != nil {
		return err
	}
	d.lock = pathreg.NewLock(lockPath)
	if err := d.lock.Acquire(); err != nil {
		if held, ok := err.(*pathreg.ErrLockHeld); ok {
			return rpcproto.NewError(rpcproto.ErrDaemonAlreadyRunning, "daemon already running under pid %d", held.HolderPID)
		}
		return err
	}
	defer d.lock.Release()

	d.cleanupStaleSession()

	sockPath, err := pathreg.DaemonSock()
	if err != nil {
		return err
	}
	_ = os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	d.listener = listener
	defer listener.Close()
	defer os.Remove(sockPath)

	pidPath, err := pathreg.DaemonPID()
	if err == nil {
		_ = pathreg.WritePID(pidPath, os.Getpid())
		defer pathreg.CleanupPIDFile(pidPath)
	}

	d.logger.Log("daemon_started", bdglog.Fields{"pid": os.Getpid(), "socket": sockPath})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- d.acceptLoop(ctx) }()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case <-d.shutdownCh:
	case err := <-acceptErrCh:
		if err != nil {
			d.logger.Log("daemon_accept_failed", bdglog.Fields{"error": err.Error()})
		}
	}

	d.teardownActiveWorker()
	d.logger.Log("daemon_stopped", bdglog.Fields{"pid": os.Getpid()})
	return nil
}

// requestShutdown is called by the stop_session handler after it has
// already replied to the client, per spec.md §4.6's "exit the daemon
// after a 100ms flush delay".
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			close(d.shutdownCh)
		}()
	})
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isClosedListenerErr(err) {
				return nil
			}
			return err
		}
		go d.handleClient(ctx, conn)
	}
}

func isClosedListenerErr(err error) bool {
	return err != nil && (os.IsNotExist(err) || errIsUseOfClosedConn(err))
}

// cleanupStaleSession reaps session.* files left behind by a daemon that
// crashed with a worker still "active" on disk (spec.md §4.6 "Startup").
func (d *Daemon) cleanupStaleSession() {
	meta, err := session.Read()
	if err != nil || meta == nil {
		return
	}
	if pathreg.IsProcessAlive(meta.WorkerPID) {
		return
	}
	d.reapSessionFiles()
	d.reapOrphanedChrome()
}

// reapOrphanedChrome reads the chrome.pid cache (spec.md §4.1 "Chrome PID
// cache", which survives worker teardown precisely so this can happen)
// and signals the cached Chrome process to terminate if it is still
// alive. ReadChromePID auto-removes the file when the cached PID is dead
// or unparseable; this removes it in the live case too, once signalled.
func (d *Daemon) reapOrphanedChrome() {
	path, err := pathreg.ChromePID()
	if err != nil {
		return
	}
	pid, err := pathreg.ReadChromePID(path)
	if err != nil || pid == 0 {
		return
	}
	if proc, procErr := os.FindProcess(pid); procErr == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	_ = pathreg.CleanupPIDFile(path)
}

func (d *Daemon) reapSessionFiles() {
	for _, pathFn := range []func() (string, error){
		pathreg.SessionPID, pathreg.SessionMeta, pathreg.SessionPreview, pathreg.SessionFull, pathreg.SessionLock,
	} {
		if p, err := pathFn(); err == nil {
			_ = pathreg.CleanupPIDFile(p)
		}
	}
}

func (d *Daemon) teardownActiveWorker() {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup != nil {
		sup.terminate()
	}
}
