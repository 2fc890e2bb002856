package transport

import (
	"errors"

	"github.com/a-essam23/stompd/pkg/frame"
)

// ErrWouldBlock is returned by a non-blocking Conn when the kernel has no
// data to read or no room to write.
var ErrWouldBlock = errors.New("operation would block")

// Handler is the outbound side of one live connection as seen by the registry.
type Handler interface {
	// Send transmits f, or queues it for the loop, and drops it if the
	// handler is closed. Safe for concurrent use.
	Send(f frame.Frame)
	// Close releases the transport. Safe to call more than once.
	Close() error
	IsClosed() bool
}

// Protocol interprets the frames of a single connection. Process is never
// called concurrently for the same Protocol.
type Protocol interface {
	Process(msg string)
	// ShouldTerminate reports whether the transport must stop reading and
	// close once pending output is flushed. Safe from any goroutine.
	ShouldTerminate() bool
	// Release drops session state after the transport is gone.
	Release()
}
