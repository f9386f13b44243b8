package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout     = 10 * time.Second
	writeTimeout    = 5 * time.Second
	pingInterval    = 20 * time.Second
	DefaultReadIdle = 30 * time.Second
)

// Conn is a thin wrapper over a gorilla websocket connection that owns the
// keepalive loop and applies a read-idle deadline on every frame, so a dead
// venue surfaces as a read error instead of a silent stall.
type Conn struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	readIdle time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

func Dial(ctx context.Context, url string, readIdle time.Duration) (*Conn, error) {
	if readIdle <= 0 {
		readIdle = DefaultReadIdle
	}
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	wc := &Conn{conn: c, readIdle: readIdle}
	wc.ctx, wc.cancel = context.WithCancel(ctx)
	go wc.pingLoop()
	return wc, nil
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// ReadMessage blocks for the next frame, bounded by the read-idle deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.readIdle))
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close is idempotent enough for defer: it sends a close frame best-effort
// and tears the socket down.
func (c *Conn) Close() {
	c.cancel()
	c.mu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	c.conn.Close()
}
