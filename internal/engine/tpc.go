package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/a-essam23/stompd/pkg/transport"
)

// ThreadPerConnection runs one goroutine per connection, each blocking on
// its own socket.
type ThreadPerConnection struct {
	opts   Options
	logger *slog.Logger

	ready chan struct{}
	addr  net.Addr

	mu     sync.Mutex
	conns  map[int64]*transport.Connection
	closed bool
	wg     sync.WaitGroup
}

var _ Engine = (*ThreadPerConnection)(nil)

func NewThreadPerConnection(opts Options) *ThreadPerConnection {
	opts.setDefaults()
	return &ThreadPerConnection{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "engine_tpc")),
		ready:  make(chan struct{}),
		conns:  make(map[int64]*transport.Connection),
	}
}

func (e *ThreadPerConnection) Ready() <-chan struct{} { return e.ready }

func (e *ThreadPerConnection) Addr() net.Addr { return e.addr }

func (e *ThreadPerConnection) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.opts.Address, err)
	}
	e.addr = ln.Addr()
	close(e.ready)
	e.logger.Info("Listening", slog.String("addr", e.addr.String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				e.logger.Warn("Accept timed out, retrying", slog.Any("error", err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			serveErr = fmt.Errorf("accept failed: %w", err)
			break
		}
		if _, err := e.ServeConn(conn); err != nil {
			break
		}
	}

	e.Shutdown()
	return serveErr
}

// ServeConn attaches conn to the broker and starts its read goroutine. It
// is also the entry point for streams accepted elsewhere, such as the
// WebSocket gateway. Once Shutdown has started, conn is closed and
// ErrEngineClosed is returned.
func (e *ThreadPerConnection) ServeConn(conn net.Conn) (*transport.Connection, error) {
	id := e.opts.IDs.Next()
	protocol := e.opts.NewProtocol(id)

	handler := transport.NewConnection(id, conn, e.opts.Transport, protocol, func(connID int64, err error) {
		protocol.Release()
		e.mu.Lock()
		delete(e.conns, connID)
		e.mu.Unlock()
	}, e.opts.Logger)
	e.opts.Registry.RegisterConnection(id, handler)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = handler.Close()
		return nil, ErrEngineClosed
	}
	e.conns[id] = handler
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		handler.Run()
	}()
	e.logger.Debug("Connection accepted", slog.Int64("connID", id), slog.String("remoteAddr", conn.RemoteAddr().String()))
	return handler, nil
}

// Shutdown closes every live connection and waits for their goroutines.
// Connections offered to ServeConn afterwards are refused.
func (e *ThreadPerConnection) Shutdown() {
	e.mu.Lock()
	e.closed = true
	live := make([]*transport.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		live = append(live, c)
	}
	e.mu.Unlock()

	if len(live) > 0 {
		e.logger.Info("Closing active connections", slog.Int("count", len(live)))
	}
	for _, c := range live {
		_ = c.Close()
	}
	e.wg.Wait()
}
