package gameserver

// Conn is one server-side connection as seen by the Hub.
type Conn interface {
	// ID returns the connection id assigned at accept time.
	ID() string
	// Send queues an encoded frame without blocking.
	Send(frame []byte) error
	// Close terminates the connection after queued frames are flushed.
	Close() error
}
