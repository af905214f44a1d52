package gameserver

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutboxClosed is returned by Push after Close.
var ErrOutboxClosed = errors.New("outbox closed")

// ErrOutboxFull is returned by Push when the queue has no room.
var ErrOutboxFull = errors.New("outbox full")

// Outbox is a bounded, non-blocking queue of encoded frames for one connection.
// A transport writer goroutine drains Frames; producers never block on a slow peer.
type Outbox struct {
	connID string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for connID holding up to size frames.
//
// Postcondition: Returns an open Outbox; size <= 0 selects 64.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// Push enqueues frame.
//
// Postcondition: Returns nil if enqueued, otherwise an error wrapping
// ErrOutboxClosed or ErrOutboxFull. Never blocks.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("conn %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("conn %s: %w", o.connID, ErrOutboxFull)
	}
}

// Frames returns the channel the writer drains. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames and closes the channel. Safe to call repeatedly.
//
// Postcondition: Frames already queued remain readable until drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.frames)
}
