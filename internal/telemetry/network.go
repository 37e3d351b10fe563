package telemetry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bdg-dev/bdg/internal/cdp"
)

const (
	networkStaleSweepInterval = 30 * time.Second
	networkStaleAge           = 60 * time.Second
	responseBodyFetchTimeout  = 10 * time.Second
	// maxResponseBodyBytes bounds per-resource capture so one large text
	// response cannot dominate a session's memory footprint.
	maxResponseBodyBytes = 1 << 20 // 1 MiB
)

// NetworkConfig tunes the network collector's bounds.
type NetworkConfig struct {
	MaxRequests  int
	NavigationID func() int
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxNetworkRequests
	}
	if c.NavigationID == nil {
		c.NavigationID = func() int { return 0 }
	}
	return c
}

// NetworkCollector tracks in-flight requests keyed by CDP requestId and
// appends finalised NetworkRequest records to its own bounded buffer.
type NetworkCollector struct {
	cfg NetworkConfig

	mu       sync.Mutex
	buf      []NetworkRequest
	inFlight map[string]*inFlightEntry
	warner   limitWarner

	sweepCancel context.CancelFunc
}

type inFlightEntry struct {
	req     NetworkRequest
	arrived time.Time
}

// NewNetworkCollector builds a collector with its own buffer and in-flight
// index. Call Activate to start receiving CDP events.
func NewNetworkCollector(cfg NetworkConfig) *NetworkCollector {
	return &NetworkCollector{
		cfg:      cfg.withDefaults(),
		inFlight: make(map[string]*inFlightEntry),
		warner:   limitWarner{name: "network"},
	}
}

// Requests returns a snapshot copy of the finalised request buffer.
func (nc *NetworkCollector) Requests() []NetworkRequest {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make([]NetworkRequest, len(nc.buf))
	copy(out, nc.buf)
	return out
}

// Activate enables the Network domain and registers this collector's
// event handlers, returning a Cleanup that unregisters them and stops the
// stale sweeper.
func (nc *NetworkCollector) Activate(ctx context.Context, t transport) (Cleanup, error) {
	if _, err := t.Send(ctx, "Network.enable", nil); err != nil {
		return nil, err
	}

	sentID := t.On("Network.requestWillBeSent", func(evt cdp.Event) { nc.onRequestWillBeSent(evt) })
	respID := t.On("Network.responseReceived", func(evt cdp.Event) { nc.onResponseReceived(evt) })
	finID := t.On("Network.loadingFinished", func(evt cdp.Event) { nc.onLoadingFinished(ctx, t, evt) })
	failID := t.On("Network.loadingFailed", func(evt cdp.Event) { nc.onLoadingFailed(evt) })

	sweepCtx, cancel := context.WithCancel(context.Background())
	nc.sweepCancel = cancel
	go nc.sweepLoop(sweepCtx)

	cleanup := func() {
		t.Off("Network.requestWillBeSent", sentID)
		t.Off("Network.responseReceived", respID)
		t.Off("Network.loadingFinished", finID)
		t.Off("Network.loadingFailed", failID)
		cancel()
	}
	return cleanup, nil
}

func (nc *NetworkCollector) onRequestWillBeSent(evt cdp.Event) {
	var params struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL     string            `json:"url"`
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	req := NetworkRequest{
		RequestID:      params.RequestID,
		URL:            params.Request.URL,
		Method:         params.Request.Method,
		Timestamp:      time.Now().UnixMilli(),
		RequestHeaders: params.Request.Headers,
		NavigationID:   nc.cfg.NavigationID(),
	}

	nc.mu.Lock()
	nc.inFlight[params.RequestID] = &inFlightEntry{req: req, arrived: time.Now()}
	nc.mu.Unlock()
}

func (nc *NetworkCollector) onResponseReceived(evt cdp.Event) {
	var params struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status   int               `json:"status"`
			MimeType string            `json:"mimeType"`
			Headers  map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()
	entry, ok := nc.inFlight[params.RequestID]
	if !ok {
		return
	}
	entry.req.Status = params.Response.Status
	entry.req.MimeType = params.Response.MimeType
	entry.req.ResponseHeaders = params.Response.Headers
}

func (nc *NetworkCollector) onLoadingFinished(ctx context.Context, t transport, evt cdp.Event) {
	var params struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	nc.mu.Lock()
	entry, ok := nc.inFlight[params.RequestID]
	if !ok {
		nc.mu.Unlock()
		return
	}
	delete(nc.inFlight, params.RequestID)
	req := entry.req
	mimeType := entry.req.MimeType
	nc.mu.Unlock()

	if isTextLikeMime(mimeType) {
		// Fetching the body is a second round trip through the same CDP
		// connection; never call it synchronously from inside the event
		// handler that is itself being driven by the read loop.
		go nc.fetchAndFinalize(t, params.RequestID, req)
		return
	}

	nc.finalize(req)
}

func (nc *NetworkCollector) fetchAndFinalize(t transport, requestID string, req NetworkRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), responseBodyFetchTimeout)
	defer cancel()

	raw, err := t.Send(ctx, "Network.getResponseBody", map[string]any{"requestId": requestID})
	if err != nil {
		nc.finalize(req)
		return
	}

	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if json.Unmarshal(raw, &body) == nil {
		text := body.Body
		if body.Base64Encoded {
			if decoded, err := base64.StdEncoding.DecodeString(body.Body); err == nil {
				text = string(decoded)
			}
		}
		if len(text) > maxResponseBodyBytes {
			text = text[:maxResponseBodyBytes]
		}
		req.ResponseBody = text
	}
	nc.finalize(req)
}

func (nc *NetworkCollector) onLoadingFailed(evt cdp.Event) {
	var params struct {
		RequestID string `json:"requestId"`
		ErrorText string `json:"errorText"`
		Canceled  bool   `json:"canceled"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	nc.mu.Lock()
	entry, ok := nc.inFlight[params.RequestID]
	if !ok {
		nc.mu.Unlock()
		return
	}
	delete(nc.inFlight, params.RequestID)
	req := entry.req
	nc.mu.Unlock()

	req.Status = 0
	req.Failed = true
	if params.Canceled {
		req.Error = "canceled"
	} else {
		req.Error = params.ErrorText
	}
	nc.finalize(req)
}

func (nc *NetworkCollector) finalize(req NetworkRequest) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	pushWithLimit(&nc.buf, req, nc.cfg.MaxRequests, &nc.warner)
}

func (nc *NetworkCollector) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(networkStaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nc.sweepStale()
		}
	}
}

func (nc *NetworkCollector) sweepStale() {
	cutoff := time.Now().Add(-networkStaleAge)
	nc.mu.Lock()
	var evicted []string
	for id, entry := range nc.inFlight {
		if entry.arrived.Before(cutoff) {
			evicted = append(evicted, id)
			delete(nc.inFlight, id)
		}
	}
	nc.mu.Unlock()
	if len(evicted) > 0 {
		log.Printf("telemetry: evicted %d stale in-flight network request(s)", len(evicted))
	}
}

// isTextLikeMime reports whether mimeType is one of the text-like kinds
// spec.md §4.4 names as eligible for response-body capture.
func isTextLikeMime(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, marker := range []string{"json", "javascript", "text", "xml", "html"} {
		if strings.Contains(mimeType, marker) {
			return true
		}
	}
	return false
}
