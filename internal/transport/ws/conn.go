// Package ws carries protocol frames over gorilla websockets, for both the
// server acceptor and the client dialer.
package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/gameserver"
)

// Conn is a server-side websocket connection. Frames queued with Send are
// written by a single writer goroutine.
type Conn struct {
	id           string
	ws           *websocket.Conn
	outbox       *gameserver.Outbox
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

func newConn(id string, raw *websocket.Conn, outboxSize int, writeTimeout, readTimeout time.Duration, logger *zap.Logger) *Conn {
	ping := readTimeout * 9 / 10
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Conn{
		id:           id,
		ws:           raw,
		outbox:       gameserver.NewOutbox(id, outboxSize),
		writeTimeout: writeTimeout,
		pingInterval: ping,
		logger:       logger,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues frame for the writer. It never blocks.
func (c *Conn) Send(frame []byte) error { return c.outbox.Push(frame) }

// Close stops accepting frames. The writer flushes what is queued, sends a
// close frame, and closes the socket.
func (c *Conn) Close() error {
	c.outbox.Close()
	return nil
}

// writePump drains the outbox until it is closed or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.outbox.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
