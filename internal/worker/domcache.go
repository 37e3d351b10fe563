package worker

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
)

// lastQueryTTL is the cache lifetime for last-query.json (spec.md §6
// table, SPEC_FULL.md §3 "last-query.json TTL cache").
const lastQueryTTL = 5 * time.Minute

// lastQueryRecord is the on-disk shape of last-query.json: dom_query's
// output plus the timestamp dom_get uses to enforce the TTL.
type lastQueryRecord struct {
	Selector  string          `json:"selector"`
	Matches   json.RawMessage `json:"matches"`
	WrittenAt int64           `json:"writtenAt"`
}

type domQueryRequest struct {
	Selector string `json:"selector"`
}

// handleDOMQuery runs document.querySelectorAll(selector) against the
// live page, caches the result to last-query.json, and returns it
// directly so a caller doesn't have to round-trip through dom_get.
func (w *Worker) handleDOMQuery(ctx context.Context, env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	var req domQueryRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.Selector == "" {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID,
			rpcproto.NewError(rpcproto.ErrInvalidArguments, "selector is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	expr := `Array.from(document.querySelectorAll(` + jsStringLiteral(req.Selector) + `)).map(function(el) { return el.outerHTML; })`
	raw, err := w.cdp.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
	})
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrCDPConnection, err))
	}

	var evalResult struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &evalResult); err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}

	record := lastQueryRecord{Selector: req.Selector, Matches: evalResult.Result.Value, WrittenAt: time.Now().UnixMilli()}
	if path, err := pathreg.LastQuery(); err == nil {
		data, _ := json.Marshal(record)
		_ = pathreg.WriteAtomic(path, data, 0o600)
	}

	out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, record)
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}

// handleDOMGet returns the cached last-query.json record if it has not
// expired, or NotFound otherwise (spec.md §6 "5-minute TTL").
func (w *Worker) handleDOMGet(env *rpcproto.Envelope, respType string) *rpcproto.Envelope {
	path, err := pathreg.LastQuery()
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCConnection, err))
	}

	record, ok := readLastQuery(path)
	if !ok {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID,
			rpcproto.NewError(rpcproto.ErrNotFound, "no cached dom query"))
	}
	if time.Since(time.UnixMilli(record.WrittenAt)) > lastQueryTTL {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID,
			rpcproto.NewError(rpcproto.ErrNotFound, "cached dom query expired"))
	}

	out, err := rpcproto.WorkerOKEnvelope(respType, env.RequestID, record)
	if err != nil {
		return rpcproto.WorkerErrEnvelope(respType, env.RequestID, rpcproto.WrapError(rpcproto.ErrIPCParse, err))
	}
	return out
}

func readLastQuery(path string) (lastQueryRecord, bool) {
	var record lastQueryRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return record, false
	}
	if json.Unmarshal(data, &record) != nil {
		return record, false
	}
	return record, true
}

// jsStringLiteral renders s as a double-quoted JS string literal, safe
// for splicing into an expression sent to Runtime.evaluate.
func jsStringLiteral(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
