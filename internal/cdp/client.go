// Package cdp implements the WebSocket transport to a single Chrome
// DevTools Protocol target: request/response correlation, event fan-out,
// keepalive and an optional reconnect policy (spec.md §4.2).
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdg-dev/bdg/internal/rpcproto"
)

// Options configures a Client. Zero values are replaced by sane defaults
// in Dial.
type Options struct {
	// SendTimeout bounds how long Send waits for a matching response.
	SendTimeout time.Duration
	// PingInterval is how often a protocol-level ping is sent. Zero
	// disables keepalive entirely.
	PingInterval time.Duration
	// PongWait is the write deadline for each ping frame. A pong counts as
	// missed when none has arrived by the next ping tick; two missed in a
	// row end the connection.
	PongWait time.Duration
	// Reconnect enables the capped-backoff reconnection policy.
	Reconnect bool
	// MaxReconnectAttempts bounds reconnection attempts when Reconnect is set.
	MaxReconnectAttempts int
	// OnDisconnect, if set, is invoked exactly once the first time the
	// transport observes a connection loss, regardless of whether a
	// subsequent reconnect succeeds.
	OnDisconnect func(error)
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.PingInterval < 0 {
		o.PingInterval = 0
	}
	if o.PingInterval > 0 && o.PongWait <= 0 {
		o.PongWait = 2 * o.PingInterval
	}
	if o.Reconnect && o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	return o
}

type pendingRequest struct {
	resultCh    chan sendResult
	submittedAt time.Time
}

type sendResult struct {
	result json.RawMessage
	err    error
}

type handlerEntry struct {
	id int64
	fn func(Event)
}

// Client is a single-target CDP WebSocket connection.
type Client struct {
	url  string
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	nextID  int64
	pending sync.Map // int -> *pendingRequest

	handlersMu    sync.Mutex
	handlers      map[string][]*handlerEntry
	nextHandlerID int64

	closeCh        chan struct{}
	closeOnce      sync.Once
	disconnectOnce sync.Once

	missedPongs int32
}

// Dial opens a CDP WebSocket connection to wsURL (the value of
// webSocketDebuggerUrl from Chrome's /json/list endpoint or a target's
// attach response).
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrCDPConnection, err)
	}

	c := &Client{
		url:      wsURL,
		opts:     opts,
		conn:     conn,
		handlers: make(map[string][]*handlerEntry),
		closeCh:  make(chan struct{}),
	}
	conn.SetPongHandler(c.handlePong)

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// URL returns the WebSocket URL this client was dialed against.
func (c *Client) URL() string { return c.url }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down. Idempotent: fails every pending Send
// with a connection-lost error and fires the disconnect callback once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		close(c.closeCh)
		if conn != nil {
			err = conn.Close()
		}
		c.failAllPending(rpcproto.NewError(rpcproto.ErrCDPConnection, "transport closed"))
		c.fireDisconnect(nil)
	})
	return err
}

func (c *Client) fireDisconnect(cause error) {
	c.disconnectOnce.Do(func() {
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(cause)
		}
	})
}

func (c *Client) failAllPending(err error) {
	c.pending.Range(func(key, value any) bool {
		pr := value.(*pendingRequest)
		select {
		case pr.resultCh <- sendResult{err: err}:
		default:
		}
		c.pending.Delete(key)
		return true
	})
}

func (c *Client) handlePong(string) error {
	atomic.StoreInt32(&c.missedPongs, 0)
	return nil
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.PongWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.handleConnectionLost(fmt.Errorf("ping write failed: %w", err))
				return
			}
			if atomic.AddInt32(&c.missedPongs, 1) >= 2 {
				c.handleConnectionLost(fmt.Errorf("missed %d consecutive pongs", c.missedPongs))
				return
			}
		}
	}
}

// handleConnectionLost is invoked from the read loop and ping loop when the
// transport detects it is no longer usable. It fires the disconnect
// callback exactly once and, if a reconnect policy is configured, starts
// the background reconnect attempt.
func (c *Client) handleConnectionLost(cause error) {
	if c.isClosed() {
		return
	}
	c.failAllPending(rpcproto.WrapError(rpcproto.ErrCDPConnection, cause))
	c.fireDisconnect(cause)

	if c.opts.Reconnect {
		go c.reconnectLoop()
		return
	}
	c.terminate()
}

// terminate marks the transport permanently closed without re-closing an
// already-closed underlying connection (used for the non-reconnecting
// connection-lost path; Close() handles the explicit-shutdown path).
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		close(c.closeCh)
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) logMalformedFrame(data []byte, err error) {
	log.Printf("cdp: ignoring malformed frame: %v (%d bytes)", err, len(data))
}
