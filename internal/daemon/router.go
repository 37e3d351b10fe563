package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/bdg-dev/bdg/internal/rpcproto"
	"github.com/bdg-dev/bdg/internal/session"
	"github.com/bdg-dev/bdg/internal/worker"
)

// daemonVersion is reported by handshake_request; bdg has no external
// release process yet, so this is a fixed development tag.
const daemonVersion = "bdg/0.1.0-dev"

// handleClient serves exactly one request/response over conn, per
// spec.md §4.6 "Accept loop": one client connection, one JSONL request,
// one JSONL response.
func (d *Daemon) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := rpcproto.NewFrameReader(conn)
	env, err := reader.ReadEnvelope()
	if err != nil {
		return
	}

	resp := d.route(ctx, env)
	_ = rpcproto.WriteEnvelope(conn, resp)
}

func (d *Daemon) route(ctx context.Context, env *rpcproto.Envelope) *rpcproto.Envelope {
	cmd, ok := rpcproto.GetCommandName(env.Type)
	if !ok {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrInvalidArguments, "unrecognised request type %q", env.Type))
	}

	switch cmd {
	case rpcproto.CmdHandshake:
		return d.handleHandshake(env)
	case rpcproto.CmdStatus:
		return d.handleStatus(env)
	case rpcproto.CmdPeek:
		return d.handlePeek(env)
	case rpcproto.CmdStartSession:
		return d.handleStartSession(ctx, env)
	case rpcproto.CmdStopSession:
		return d.handleStopSession(env)
	default:
		return d.handleGenericForward(cmd, env)
	}
}

func (d *Daemon) activeSupervisor() *supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil && !d.sup.alive() {
		return nil
	}
	return d.sup
}

// responseTypeFor maps a "<command>_request" wire type to its
// "<command>_response" counterpart.
func responseTypeFor(reqType string) string {
	if cmd, ok := rpcproto.GetCommandName(reqType); ok {
		return rpcproto.ResponseType(cmd)
	}
	return reqType
}

func errResponse(env *rpcproto.Envelope, rpcErr *rpcproto.Error) *rpcproto.Envelope {
	return &rpcproto.Envelope{
		Type:      responseTypeFor(env.Type),
		SessionID: env.SessionID,
		Status:    rpcproto.StatusError,
		ErrorCode: rpcErr.Code,
		Message:   rpcErr.Message,
	}
}

func okResponse(env *rpcproto.Envelope, data any) *rpcproto.Envelope {
	out, err := rpcproto.OKEnvelope(responseTypeFor(env.Type), env.SessionID, data)
	if err != nil {
		return errResponse(env, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}

type handshakeResponse struct {
	Pid     int    `json:"pid"`
	Version string `json:"version"`
}

func (d *Daemon) handleHandshake(env *rpcproto.Envelope) *rpcproto.Envelope {
	return okResponse(env, handshakeResponse{Pid: os.Getpid(), Version: daemonVersion})
}

type statusResponse struct {
	Active          bool       `json:"active"`
	DaemonPid       int        `json:"daemonPid"`
	WorkerPid       int        `json:"workerPid,omitempty"`
	ChromePid       int        `json:"chromePid,omitempty"`
	StartTime       int64      `json:"startTime,omitempty"`
	Duration        int64      `json:"duration,omitempty"`
	Target          targetView `json:"target,omitempty"`
	ActiveTelemetry []string   `json:"activeTelemetry,omitempty"`
	Activity        any        `json:"activity,omitempty"`
}

type targetView struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// handleStatus assembles daemon-known facts and, if a worker is active,
// merges in its live activity counters (spec.md §4.6 status_request).
func (d *Daemon) handleStatus(env *rpcproto.Envelope) *rpcproto.Envelope {
	meta, _ := session.Read()

	resp := statusResponse{DaemonPid: os.Getpid()}
	if meta != nil {
		resp.WorkerPid = meta.WorkerPID
		resp.ChromePid = meta.ChromePID
		resp.StartTime = meta.StartTime
		resp.ActiveTelemetry = meta.ActiveTelemetry
	}

	sup := d.activeSupervisor()
	if sup == nil {
		return okResponse(env, resp)
	}
	resp.Active = true

	workerResp, err := sup.forward(rpcproto.CmdWorkerStatus, struct{}{}, clientQueryTimeout)
	if err != nil {
		// Best-effort: the worker is active but unresponsive; return what
		// is known locally rather than fail the whole request.
		return okResponse(env, resp)
	}

	var ws struct {
		StartTime       int64           `json:"startTime"`
		Duration        int64           `json:"duration"`
		Target          targetView      `json:"target"`
		ActiveTelemetry []string        `json:"activeTelemetry"`
		Activity        json.RawMessage `json:"activity"`
	}
	if json.Unmarshal(workerResp.Data, &ws) == nil {
		resp.StartTime = ws.StartTime
		resp.Duration = ws.Duration
		resp.Target = ws.Target
		resp.ActiveTelemetry = ws.ActiveTelemetry
		resp.Activity = ws.Activity
	}
	return okResponse(env, resp)
}

type peekRequest struct {
	LastN int `json:"lastN,omitempty"`
}

func (d *Daemon) handlePeek(env *rpcproto.Envelope) *rpcproto.Envelope {
	sup := d.activeSupervisor()
	if sup == nil {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrNoSession, "no active session"))
	}

	var req peekRequest
	_ = json.Unmarshal(env.Data, &req)

	workerResp, err := sup.forward(rpcproto.CmdWorkerPeek, req, clientQueryTimeout)
	if err != nil {
		if rpcErr, ok := rpcproto.AsError(err); ok {
			return errResponse(env, rpcErr)
		}
		return errResponse(env, rpcproto.WrapError(rpcproto.ErrIPCTimeout, err))
	}
	return relayWorkerResponse(env, workerResp)
}

type startSessionRequest struct {
	URL               string   `json:"url"`
	Headless          bool     `json:"headless,omitempty"`
	ActiveTelemetry   []string `json:"activeTelemetry,omitempty"`
	ReuseExistingTab  bool     `json:"reuseExistingTab,omitempty"`
	ExternalWSURL     string   `json:"externalWsUrl,omitempty"`
	IncludeAllConsole bool     `json:"includeAllConsole,omitempty"`
}

type startSessionResponse struct {
	WorkerPid int        `json:"workerPid"`
	ChromePid int        `json:"chromePid"`
	CDPPort   int        `json:"cdpPort"`
	Target    targetView `json:"target"`
}

func (d *Daemon) handleStartSession(ctx context.Context, env *rpcproto.Envelope) *rpcproto.Envelope {
	var req startSessionRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return errResponse(env, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err))
	}
	if req.URL == "" && req.ExternalWSURL == "" {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrInvalidURL, "url is required"))
	}

	d.mu.Lock()
	existing := d.sup
	if existing != nil && !existing.alive() {
		existing = nil
		d.sup = nil
	}
	if existing != nil {
		d.mu.Unlock()
		return d.sessionAlreadyRunningResponse(ctx, env, existing)
	}
	d.mu.Unlock()

	cfg := d.cfg
	if len(req.ActiveTelemetry) > 0 {
		cfg.ActiveTelemetry = req.ActiveTelemetry
	}
	cfg.Headless = req.Headless || cfg.Headless
	cfg.ReuseExistingTab = req.ReuseExistingTab
	cfg.IncludeAllConsole = req.IncludeAllConsole

	startCtx, cancel := context.WithTimeout(ctx, startSessionTimeout)
	defer cancel()

	sup, err := spawnWorker(startCtx, cfg, d.logger, req.URL, req.ExternalWSURL)
	if err != nil {
		if rpcErr, ok := rpcproto.AsError(err); ok {
			return errResponse(env, rpcErr)
		}
		return errResponse(env, rpcproto.WrapError(rpcproto.ErrWorkerStartFailed, err))
	}

	d.mu.Lock()
	d.sup = sup
	d.mu.Unlock()

	return okResponse(env, startSessionResponse{
		WorkerPid: sup.ready.WorkerPID,
		ChromePid: sup.ready.ChromePID,
		CDPPort:   sup.ready.CDPPort,
		Target:    targetView{URL: sup.ready.Target.URL, Title: sup.ready.Target.Title},
	})
}

func (d *Daemon) sessionAlreadyRunningResponse(ctx context.Context, env *rpcproto.Envelope, sup *supervisor) *rpcproto.Envelope {
	duration := time.Since(sup.startedAt).Milliseconds()
	url := sup.ready.Target.URL
	if probed, ok := worker.ProbeRunningChromeURL(ctx, sup.ready.CDPPort); ok {
		url = probed
	}
	resp := errResponse(env, rpcproto.NewError(rpcproto.ErrSessionAlreadyRunning, "a session is already running"))
	data, _ := json.Marshal(map[string]any{
		"workerPid": sup.ready.WorkerPID,
		"duration":  duration,
		"url":       url,
	})
	resp.Data = data
	return resp
}

type stopSessionResponse struct {
	ChromePid int `json:"chromePid"`
}

func (d *Daemon) handleStopSession(env *rpcproto.Envelope) *rpcproto.Envelope {
	meta, _ := session.Read()

	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()

	if sup == nil && meta == nil {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrNoSession, "no active session"))
	}

	chromePid := 0
	switch {
	case meta != nil:
		chromePid = meta.ChromePID
	case sup != nil:
		chromePid = sup.ready.ChromePID
	}

	if sup != nil {
		sup.terminate()
	}

	d.reapSessionFiles()
	_ = session.Remove()

	resp := okResponse(env, stopSessionResponse{ChromePid: chromePid})
	d.requestShutdown()
	return resp
}

// handleGenericForward routes a "<worker-command>_request" directly to
// the active worker without any daemon-side merging (spec.md §4.6's
// "other" router row).
func (d *Daemon) handleGenericForward(cmd rpcproto.Command, env *rpcproto.Envelope) *rpcproto.Envelope {
	if !isWorkerCommand(cmd) || !rpcproto.IsCommandRequest(env.Type) {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrInvalidArguments, "unrecognised request type %q", env.Type))
	}

	sup := d.activeSupervisor()
	if sup == nil {
		return errResponse(env, rpcproto.NewError(rpcproto.ErrNoSession, "no active session"))
	}

	var payload json.RawMessage = env.Data
	workerResp, err := sup.forward(cmd, payload, clientQueryTimeout)
	if err != nil {
		if rpcErr, ok := rpcproto.AsError(err); ok {
			return errResponse(env, rpcErr)
		}
		return errResponse(env, rpcproto.WrapError(rpcproto.ErrIPCTimeout, err))
	}
	return relayWorkerResponse(env, workerResp)
}

func isWorkerCommand(cmd rpcproto.Command) bool {
	switch cmd {
	case rpcproto.CmdWorkerPeek, rpcproto.CmdWorkerStatus, rpcproto.CmdWorkerDetails,
		rpcproto.CmdCDPCall, rpcproto.CmdDOMQuery, rpcproto.CmdDOMGet:
		return true
	default:
		return false
	}
}

// relayWorkerResponse re-tags a worker-channel response (which correlates
// on requestId) as a client-channel response (which correlates on
// sessionId), preserving status/data/error verbatim.
func relayWorkerResponse(clientEnv, workerResp *rpcproto.Envelope) *rpcproto.Envelope {
	return &rpcproto.Envelope{
		Type:      responseTypeFor(clientEnv.Type),
		SessionID: clientEnv.SessionID,
		Status:    workerResp.Status,
		ErrorCode: workerResp.ErrorCode,
		Message:   workerResp.Message,
		Data:      workerResp.Data,
	}
}
