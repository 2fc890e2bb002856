package transport

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/stompd/pkg/frame"
)

// Interest is a set of readiness events a connection wants from its loop.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Conn is a non-blocking socket registered with an event loop.
type Conn interface {
	// Read and Write return ErrWouldBlock instead of blocking. Read returns
	// io.EOF once the peer has closed its side.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// SetInterest replaces the registered interest. Loop goroutine only.
	SetInterest(Interest)
	// RequestInterest queues SetInterest onto the loop and wakes it. Safe
	// from any goroutine.
	RequestInterest(Interest)
}

const defaultReadBufferSize = 8192

// NonBlockingConnection is the reactor-side handler. The loop calls
// ContinueRead and ContinueWrite; the returned read task runs on a worker
// and is the only code that touches the decoder and the protocol.
type NonBlockingConnection struct {
	id       int64
	conn     Conn
	decoder  *frame.Decoder
	protocol Protocol
	bufSize  int

	mu    sync.Mutex
	queue [][]byte

	onClose   OnCloseHandler
	closed    atomic.Bool
	closeOnce sync.Once

	logger *slog.Logger
}

var _ Handler = (*NonBlockingConnection)(nil)

func NewNonBlockingConnection(id int64, conn Conn, protocol Protocol, readBufferSize int, onClose OnCloseHandler, logger *slog.Logger) *NonBlockingConnection {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	return &NonBlockingConnection{
		id:       id,
		conn:     conn,
		decoder:  frame.NewDecoder(),
		protocol: protocol,
		bufSize:  readBufferSize,
		onClose:  onClose,
		logger:   logger.With(slog.Int64("connID", id)),
	}
}

// ContinueRead drains one read's worth of bytes and returns the work that
// decodes and processes them, or nil when there is nothing to do.
func (h *NonBlockingConnection) ContinueRead() func() {
	if h.IsClosed() {
		return nil
	}
	if h.protocol.ShouldTerminate() {
		// stop reading; only the final flush remains
		h.conn.SetInterest(Writable)
		return nil
	}

	buf := make([]byte, h.bufSize)
	n, err := h.conn.Read(buf)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return nil
	case err != nil:
		if errors.Is(err, io.EOF) {
			err = nil
		}
		h.shutdown(err)
		return nil
	case n == 0:
		h.shutdown(nil)
		return nil
	}
	buf = buf[:n]

	return func() {
		for _, b := range buf {
			if h.protocol.ShouldTerminate() {
				break
			}
			if msg, ok := h.decoder.DecodeNextByte(b); ok {
				h.protocol.Process(msg)
			}
		}
		if h.protocol.ShouldTerminate() {
			// make the loop run a write pass even if nothing was queued
			h.conn.RequestInterest(Writable)
		}
	}
}

// ContinueWrite flushes queued frames in order. An entry is dropped only
// once fully written. With the queue empty, write interest is dropped or,
// if the protocol has terminated, the connection is closed.
func (h *NonBlockingConnection) ContinueWrite() {
	if h.IsClosed() {
		return
	}

	h.mu.Lock()
	for len(h.queue) > 0 {
		top := h.queue[0]
		n, err := h.conn.Write(top)
		if n > 0 {
			top = top[n:]
			h.queue[0] = top
		}
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			h.mu.Unlock()
			h.shutdown(err)
			return
		}
		if len(top) > 0 {
			h.mu.Unlock()
			return
		}
		h.queue[0] = nil
		h.queue = h.queue[1:]
	}
	h.mu.Unlock()

	if h.protocol.ShouldTerminate() {
		h.shutdown(nil)
		return
	}
	h.conn.SetInterest(Readable)
}

// Send queues f and asks the loop for write readiness.
func (h *NonBlockingConnection) Send(f frame.Frame) {
	if h.IsClosed() {
		h.logger.Debug("dropping frame for closed connection", slog.String("command", f.Command.String()))
		return
	}
	data := frame.EncodeFrame(f)

	h.mu.Lock()
	h.queue = append(h.queue, data)
	h.mu.Unlock()

	if h.protocol.ShouldTerminate() {
		h.conn.RequestInterest(Writable)
		return
	}
	h.conn.RequestInterest(Readable | Writable)
}

// Pending reports the number of frames not yet fully written.
func (h *NonBlockingConnection) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Close releases the socket. Like ContinueRead and ContinueWrite it must
// run on the loop goroutine.
func (h *NonBlockingConnection) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *NonBlockingConnection) shutdown(err error) {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if cErr := h.conn.Close(); cErr != nil {
			h.logger.Debug("close returned error", slog.Any("error", cErr))
		}
		h.mu.Lock()
		h.queue = nil
		h.mu.Unlock()
		h.logger.Info("connection closed", slog.Any("reason", err))
		if h.onClose != nil {
			h.onClose(h.id, err)
		}
	})
}

func (h *NonBlockingConnection) IsClosed() bool {
	return h.closed.Load()
}

func (h *NonBlockingConnection) ID() int64 {
	return h.id
}
