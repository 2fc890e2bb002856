package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/a-essam23/stompd/pkg/state"
	"github.com/a-essam23/stompd/pkg/transport"
)

var ErrReactorUnsupported = errors.New("reactor engine requires linux")

// ErrEngineClosed is returned when a connection is offered after shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// Engine accepts connections and drives their handlers until ctx is done.
type Engine interface {
	Serve(ctx context.Context) error
	// Addr is valid once Ready is closed.
	Addr() net.Addr
	Ready() <-chan struct{}
}

// Sequence hands out connection ids. Engines and the WebSocket gateway
// share one so ids stay unique across listeners.
type Sequence struct {
	next atomic.Int64
}

func (s *Sequence) Next() int64 {
	return s.next.Add(1)
}

// ProtocolFactory builds the protocol for a freshly accepted connection.
type ProtocolFactory func(connID int64) transport.Protocol

type Options struct {
	Address     string
	Registry    state.Registry
	NewProtocol ProtocolFactory
	IDs         *Sequence
	Transport   transport.ConnectionConfig
	// Workers sizes the reactor's pool. Zero means runtime.NumCPU().
	Workers int
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.IDs == nil {
		o.IDs = &Sequence{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
