// Command bdg is the process entrypoint for the daemon supervisor, the
// hidden worker subprocess, and the thin client commands that talk to
// them over daemon.sock (spec.md §1, §6). The CLI surface itself is
// intentionally small: these commands exist to exercise start_session,
// stop_session, status and peek, not to be a polished UX.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bdg-dev/bdg/internal/bdglog"
	"github.com/bdg-dev/bdg/internal/daemon"
	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/worker"
)

const (
	clientRequestTimeout       = 5 * time.Second
	startSessionRequestTimeout = 40 * time.Second
	daemonSpawnAttempts        = 40
	daemonSpawnBackoff         = 50 * time.Millisecond
)

// requestTimeoutFor returns the client-side deadline for cmd, per
// spec.md §4.7/§6: 5s for queries, 40s for start_session (the daemon
// itself waits up to 40s for the worker's worker_ready frame).
func requestTimeoutFor(cmd rpcproto.Command) time.Duration {
	if cmd == rpcproto.CmdStartSession {
		return startSessionRequestTimeout
	}
	return clientRequestTimeout
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bdg:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if rpcErr, ok := rpcproto.AsError(err); ok {
		return rpcproto.ExitCode(rpcErr.Code)
	}
	return 1
}

func newRootCmd() *cobra.Command {
	var chromePort int
	var chromeBinary string
	var headless bool

	root := &cobra.Command{
		Use:           "bdg",
		Short:         "Headless-Chrome telemetry daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&chromePort, "chrome-port", 9222, "Chrome remote debugging port")
	root.PersistentFlags().StringVar(&chromeBinary, "chrome-binary", "", "path to the Chrome/Chromium executable")
	root.PersistentFlags().BoolVar(&headless, "headless", true, "launch Chrome headless")

	daemonCfg := func() daemon.Config {
		return daemon.Config{ChromePort: chromePort, ChromeBinary: chromeBinary, Headless: headless}
	}

	root.AddCommand(newDaemonCmd(daemonCfg))
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newStartCmd(daemonCfg))
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPeekCmd())
	return root
}

func newLogger(component string) (*bdglog.Logger, error) {
	path, err := pathreg.InRoot("logs", "bdg.jsonl")
	if err != nil {
		return nil, err
	}
	return bdglog.New(path, component)
}

func newDaemonCmd(cfgFn func() daemon.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger("daemon")
			if err != nil {
				return err
			}
			defer logger.Close()
			return daemon.New(cfgFn(), logger).Run(cmd.Context())
		},
	}
}

// newWorkerCmd is the hidden subcommand the daemon re-execs itself as
// (spec.md §4.5 "Entry"); supervisor.spawnWorker is its only caller.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    daemon.WorkerCommandName + " <config-json>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := worker.ParseConfig([]byte(args[0]))
			if err != nil {
				return rpcproto.WrapError(rpcproto.ErrInvalidArguments, err)
			}
			logger, err := newLogger("worker")
			if err != nil {
				return err
			}
			defer logger.Close()
			return worker.Run(cmd.Context(), cfg, os.Stdout, logger)
		},
	}
}

func newStartCmd(cfgFn func() daemon.Config) *cobra.Command {
	var reuseTab bool
	var externalWS string
	var telemetry []string
	var includeAllConsole bool

	cmd := &cobra.Command{
		Use:   "start [url]",
		Short: "Start a browser telemetry session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if err := ensureDaemonRunning(cfg); err != nil {
				return err
			}

			var url string
			if len(args) == 1 {
				url = args[0]
			}
			req := map[string]any{
				"url":               url,
				"headless":          cfg.Headless,
				"reuseExistingTab":  reuseTab,
				"externalWsUrl":     externalWS,
				"activeTelemetry":   telemetry,
				"includeAllConsole": includeAllConsole,
			}
			resp, err := sendRequest(rpcproto.CmdStartSession, req)
			if err != nil {
				return err
			}
			return printJSON(resp.Data)
		},
	}
	cmd.Flags().BoolVar(&reuseTab, "reuse-tab", false, "attach to the first existing tab instead of opening a new one")
	cmd.Flags().StringVar(&externalWS, "external-ws-url", "", "attach to an already-running Chrome's webSocketDebuggerUrl")
	cmd.Flags().StringSliceVar(&telemetry, "telemetry", nil, "telemetry collectors to activate (network,console,navigation,dom)")
	cmd.Flags().BoolVar(&includeAllConsole, "include-all-console", false, "disable noise filtering on console messages")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active session and the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendRequest(rpcproto.CmdStopSession, struct{}{})
			if err != nil {
				return err
			}
			return printJSON(resp.Data)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendRequest(rpcproto.CmdStatus, struct{}{})
			if err != nil {
				return err
			}
			return printJSON(resp.Data)
		},
	}
}

func newPeekCmd() *cobra.Command {
	var lastN int
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Show a lightweight snapshot of the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendRequest(rpcproto.CmdPeek, map[string]any{"lastN": lastN})
			if err != nil {
				return err
			}
			return printJSON(resp.Data)
		},
	}
	cmd.Flags().IntVar(&lastN, "last", 0, "limit to the last N items per telemetry kind")
	return cmd
}

// ensureDaemonRunning probes daemon.sock and, if nothing answers,
// re-execs this binary as a detached "daemon" process and waits for it
// to come up (mirroring the self-relaunch-on-first-use pattern worker
// subprocesses also use).
func ensureDaemonRunning(cfg daemon.Config) error {
	if _, err := sendRequest(rpcproto.CmdHandshake, struct{}{}); err == nil {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return rpcproto.WrapError(rpcproto.ErrDaemonError, err)
	}
	args := []string{"daemon", "--chrome-port", fmt.Sprint(cfg.ChromePort), "--headless", fmt.Sprint(cfg.Headless)}
	if cfg.ChromeBinary != "" {
		args = append(args, "--chrome-binary", cfg.ChromeBinary)
	}
	spawn := exec.Command(self, args...)
	spawn.Stdout = nil
	spawn.Stderr = nil
	spawn.Stdin = nil
	if err := spawn.Start(); err != nil {
		return rpcproto.WrapError(rpcproto.ErrDaemonError, err)
	}
	_ = spawn.Process.Release()

	for i := 0; i < daemonSpawnAttempts; i++ {
		if _, err := sendRequest(rpcproto.CmdHandshake, struct{}{}); err == nil {
			return nil
		}
		time.Sleep(daemonSpawnBackoff)
	}
	return rpcproto.NewError(rpcproto.ErrDaemonError, "daemon did not become ready in time")
}

// sendRequest opens one connection to daemon.sock, writes a single
// request envelope, and reads the single matching response.
func sendRequest(cmd rpcproto.Command, payload any) (*rpcproto.Envelope, error) {
	sockPath, err := pathreg.DaemonSock()
	if err != nil {
		return nil, err
	}
	timeout := requestTimeoutFor(cmd)
	conn, err := net.DialTimeout("unix", sockPath, timeout)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrIPCConnection, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err)
	}
	env := &rpcproto.Envelope{Type: rpcproto.RequestType(cmd), SessionID: uuid.NewString(), Data: data}
	if err := rpcproto.WriteEnvelope(conn, env); err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrIPCConnection, err)
	}

	resp, err := rpcproto.NewFrameReader(conn).ReadEnvelope()
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrIPCConnection, err)
	}
	if resp.Status == rpcproto.StatusError {
		return resp, &rpcproto.Error{Code: resp.ErrorCode, Message: resp.Message}
	}
	return resp, nil
}

func printJSON(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
