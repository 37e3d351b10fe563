package worker

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"time"

	"github.com/bdg-dev/bdg/internal/rpcproto"
)

// rpcServer accepts connections on the worker's private unix socket and
// dispatches each JSONL request to the matching handler (spec.md §4.5
// "Worker RPC loop").
type rpcServer struct {
	listener net.Listener
	w        *Worker
}

func listenWorkerSocket(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

func newRPCServer(listener net.Listener, w *Worker) *rpcServer {
	return &rpcServer{listener: listener, w: w}
}

// serve accepts connections until the listener is closed (the normal way
// to stop this loop during shutdown).
func (s *rpcServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *rpcServer) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := rpcproto.NewFrameReader(conn)
	for {
		line, err := reader.ReadFrame()
		if err != nil {
			return
		}
		var env rpcproto.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		resp := s.w.dispatch(context.Background(), &env)
		if err := rpcproto.WriteEnvelope(conn, resp); err != nil {
			log.Printf("worker: write response failed: %v", err)
			return
		}
	}
}

// close stops accepting new connections. In-flight handlers finish their
// current request/response before returning.
func (s *rpcServer) close() error {
	return s.listener.Close()
}

// dispatch routes one request envelope to its command handler, per the
// table in spec.md §4.5.
func (w *Worker) dispatch(ctx context.Context, env *rpcproto.Envelope) *rpcproto.Envelope {
	cmd, ok := rpcproto.GetCommandName(env.Type)
	if !ok || !rpcproto.IsCommandRequest(env.Type) {
		return rpcproto.ErrEnvelope(env.Type+"_response", env.RequestID,
			rpcproto.NewError(rpcproto.ErrInvalidArguments, "unrecognised request type %q", env.Type))
	}

	respType := rpcproto.ResponseType(cmd)
	switch cmd {
	case rpcproto.CmdWorkerPeek:
		return w.handlePeek(env, respType)
	case rpcproto.CmdWorkerStatus:
		return w.handleStatus(env, respType)
	case rpcproto.CmdWorkerDetails:
		return w.handleDetails(env, respType)
	case rpcproto.CmdCDPCall:
		return w.handleCDPCall(ctx, env, respType)
	case rpcproto.CmdDOMQuery:
		return w.handleDOMQuery(ctx, env, respType)
	case rpcproto.CmdDOMGet:
		return w.handleDOMGet(env, respType)
	default:
		return rpcproto.ErrEnvelope(respType, env.RequestID,
			rpcproto.NewError(rpcproto.ErrInvalidArguments, "command %q is not served by the worker", cmd))
	}
}

type peekRequest struct {
	LastN int `json:"lastN,omitempty"`
}

func (w *Worker) handlePeek(env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	var req peekRequest
	_ = json.Unmarshal(env.Data, &req)

	snap := w.store.Snapshot(modePreview)
	if req.LastN > 0 {
		snap.Network = truncateTail(snap.Network, req.LastN)
		snap.Console = truncateTail(snap.Console, req.LastN)
	}
	out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, snap)
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}

type statusResponse struct {
	StartTime       int64        `json:"startTime"`
	Duration        int64        `json:"duration"`
	Target          TargetInfo   `json:"target"`
	ActiveTelemetry []string     `json:"activeTelemetry"`
	Activity        activityInfo `json:"activity"`
}

type activityInfo struct {
	Counts map[string]int `json:"counts"`
	LastAt int64          `json:"lastAt"`
}

func (w *Worker) handleStatus(env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	snap := w.store.Snapshot(modeFull)
	lastAt := int64(0)
	if n := len(snap.Network); n > 0 && snap.Network[n-1].Timestamp > lastAt {
		lastAt = snap.Network[n-1].Timestamp
	}
	if n := len(snap.Console); n > 0 && snap.Console[n-1].Timestamp > lastAt {
		lastAt = snap.Console[n-1].Timestamp
	}
	status := statusResponse{
		StartTime:       snap.StartTime,
		Duration:        snap.Duration,
		Target:          snap.Target,
		ActiveTelemetry: snap.ActiveTelemetry,
		Activity: activityInfo{
			Counts: map[string]int{"network": len(snap.Network), "console": len(snap.Console)},
			LastAt: lastAt,
		},
	}
	out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, status)
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}

type detailsRequest struct {
	ItemType string `json:"itemType"`
	ID       string `json:"id"`
}

func (w *Worker) handleDetails(env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	var req detailsRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err))
	}

	snap := w.store.Snapshot(modeFull)
	switch req.ItemType {
	case "network":
		for _, item := range snap.Network {
			if item.RequestID == req.ID {
				out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, map[string]any{"item": item})
				if err != nil {
					return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
				}
				return out
			}
		}
	case "console":
		idx, ok := parseIndex(req.ID)
		if ok && idx >= 0 && idx < len(snap.Console) {
			out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, map[string]any{"item": snap.Console[idx]})
			if err != nil {
				return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
			}
			return out
		}
	default:
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID,
			rpcproto.NewError(rpcproto.ErrInvalidArguments, "unknown itemType %q", req.ItemType))
	}
	return rpcproto.WorkerErrEnvelope(respType, env.RequestID,
		rpcproto.NewError(rpcproto.ErrNotFound, "no %s item with id %q", req.ItemType, req.ID))
}

func parseIndex(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

type cdpCallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (w *Worker) handleCDPCall(ctx context.Context, env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	var req cdpCallRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err))
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	result, err := w.cdp.Send(ctx, req.Method, params)
	if err != nil {
		if rpcErr, ok := rpcproto.AsError(err); ok {
			return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcErr)
		}
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrCDPConnection, err))
	}
	out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, map[string]any{"result": json.RawMessage(result)})
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}
