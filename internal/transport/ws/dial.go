package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/overworld/internal/protocol"
)

// ClientConn is the client end of a websocket connection. Send may be called
// from any goroutine; Recv must be called from one goroutine at a time.
type ClientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool
}

// Dial connects to a server websocket URL such as ws://host:8080/ws.
//
// Postcondition: Returns a connected ClientConn or the dial error.
func Dial(ctx context.Context, url string) (*ClientConn, error) {
	raw, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &ClientConn{ws: raw, writeTimeout: 5 * time.Second}, nil
}

// Send writes env as one text frame.
func (c *ClientConn) Send(env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", env.Type, err)
	}
	return nil
}

// Recv blocks for the next frame.
//
// Postcondition: Returns io.EOF once the server closes the connection normally.
func (c *ClientConn) Recv() (protocol.Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Envelope{}, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return protocol.Envelope{}, io.EOF
			}
			return protocol.Envelope{}, err
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			// the server never sends untyped frames; skip anything unreadable
			continue
		}
		return env, nil
	}
}

// Close sends a normal close frame and closes the socket. Safe to call repeatedly.
func (c *ClientConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}
