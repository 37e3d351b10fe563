package cdp

import (
	"encoding/json"
	"fmt"
	"log"
)

// Event is a CDP protocol event: a method name, its raw params, and the
// target session it was delivered on (empty for the browser-level target).
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// wireFrame is the on-the-wire shape of any CDP message: either a
// response (carries Id) or an event (carries Method).
type wireFrame struct {
	ID        int             `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// On registers fn to run whenever method is received, returning a handle
// for Off. Handlers for a given method run in registration order; a
// handler that panics is logged and skipped, never blocking its peers.
func (c *Client) On(method string, fn func(Event)) int64 {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[method] = append(c.handlers[method], &handlerEntry{id: id, fn: fn})
	return id
}

// Off removes a handler previously registered with On.
func (c *Client) Off(method string, handlerID int64) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	entries := c.handlers[method]
	for i, e := range entries {
		if e.id == handlerID {
			c.handlers[method] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (c *Client) dispatch(evt Event) {
	c.handlersMu.Lock()
	entries := make([]*handlerEntry, len(c.handlers[evt.Method]))
	copy(entries, c.handlers[evt.Method])
	c.handlersMu.Unlock()

	for _, e := range entries {
		c.invokeHandler(e, evt)
	}
}

func (c *Client) invokeHandler(e *handlerEntry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cdp: event handler for %q panicked: %v", evt.Method, r)
		}
	}()
	e.fn(evt)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.handleConnectionLost(fmt.Errorf("read failed: %w", err))
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logMalformedFrame(data, err)
			continue
		}

		switch {
		case frame.ID != 0:
			c.resolvePending(frame)
		case frame.Method != "":
			c.dispatch(Event{Method: frame.Method, Params: frame.Params, SessionID: frame.SessionID})
		default:
			c.logMalformedFrame(data, fmt.Errorf("frame has neither id nor method"))
		}
	}
}

func (c *Client) resolvePending(frame wireFrame) {
	v, ok := c.pending.LoadAndDelete(frame.ID)
	if !ok {
		// Response for a request we no longer track (timed out or the
		// transport was closed); nothing to deliver it to.
		return
	}
	pr := v.(*pendingRequest)

	res := sendResult{result: frame.Result}
	if frame.Error != nil {
		res.err = &protocolError{code: frame.Error.Code, message: frame.Error.Message}
	}
	select {
	case pr.resultCh <- res:
	default:
	}
}
