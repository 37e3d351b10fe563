package cdp

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 250 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

// reconnectLoop retries Dial against the original URL with capped
// exponential backoff. The caller is responsible for re-subscribing to
// CDP domains afterwards (spec.md §4.2); in-flight requests at the time
// of the disconnect have already been failed by handleConnectionLost and
// are not replayed.
func (c *Client) reconnectLoop() {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		cancel()
		if err != nil {
			log.Printf("cdp: reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxReconnectAttempts, err)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		conn.SetPongHandler(c.handlePong)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		atomic.StoreInt32(&c.missedPongs, 0)

		go c.readLoop()
		if c.opts.PingInterval > 0 {
			go c.pingLoop()
		}
		log.Printf("cdp: reconnected to %s after %d attempt(s)", c.url, attempt)
		return
	}
	log.Printf("cdp: giving up reconnecting to %s after %d attempts", c.url, c.opts.MaxReconnectAttempts)
	c.terminate()
}
