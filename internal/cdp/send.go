package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdg-dev/bdg/internal/rpcproto"
)

// protocolError is the Chrome-supplied {code,message} error envelope
// returned for a command Chrome rejected. Send surfaces it as an
// *rpcproto.Error with Code == ErrCDPProtocol and CDPCode populated.
type protocolError struct {
	code    int
	message string
}

func (p *protocolError) Error() string {
	return fmt.Sprintf("cdp protocol error %d: %s", p.code, p.message)
}

type outgoingFrame struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Send issues a CDP command and blocks for its matching response, a
// transport-level timeout, or transport closure — whichever comes first.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, rpcproto.NewError(rpcproto.ErrInvalidArguments, "cdp transport is not open")
	}

	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err)
		}
		paramsRaw = raw
	}

	id := int(atomic.AddInt64(&c.nextID, 1))
	frame := outgoingFrame{ID: id, Method: method, Params: paramsRaw}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrInvalidArguments, err)
	}

	pr := &pendingRequest{resultCh: make(chan sendResult, 1), submittedAt: time.Now()}
	c.pending.Store(id, pr)
	defer c.pending.Delete(id)

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrCDPConnection, writeErr)
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			if perr, ok := res.err.(*protocolError); ok {
				return nil, &rpcproto.Error{Code: rpcproto.ErrCDPProtocol, Message: perr.message, CDPCode: perr.code}
			}
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		return nil, rpcproto.NewError(rpcproto.ErrCDPTimeout, "no response to %s within %s", method, c.opts.SendTimeout)
	case <-ctx.Done():
		return nil, rpcproto.WrapError(rpcproto.ErrCDPTimeout, ctx.Err())
	case <-c.closeCh:
		return nil, rpcproto.NewError(rpcproto.ErrCDPConnection, "transport closed before response to %s", method)
	}
}
