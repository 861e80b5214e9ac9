package wsapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 64 * 1024
	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 32
)

// Timing groups the keepalive and write deadlines for a connection.
type Timing struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
	}
}

// client owns a single websocket connection. The read pump is the only
// reader and the write pump the only writer, which keeps the gorilla
// concurrency rules satisfied without locking.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	timing Timing
	log    *slog.Logger
}

func newClient(id string, conn *websocket.Conn, timing Timing, log *slog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		timing: timing,
		log:    log,
	}
}

// readPump feeds inbound frames to the dispatcher until the connection
// drops, then runs disconnect cleanup exactly once.
func (c *client) readPump(ctx context.Context, dispatcher *Dispatcher, notifier *Notifier) {
	defer func() {
		notifier.detach(c.id)
		dispatcher.HandleDisconnect(ctx, c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket closed unexpectedly", "conn", c.id, "error", err)
			}
			return
		}
		dispatcher.HandleMessage(ctx, c.id, raw)
	}
}

// writePump drains the send channel and keeps the peer alive with pings.
// Closing the send channel ends the pump and closes the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(c.timing.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
