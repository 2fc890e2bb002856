//go:build !linux

package engine

import (
	"context"
	"net"
)

// Reactor is only implemented on linux; elsewhere Serve fails immediately.
type Reactor struct {
	ready chan struct{}
}

var _ Engine = (*Reactor)(nil)

func NewReactor(opts Options) *Reactor {
	return &Reactor{ready: make(chan struct{})}
}

func (r *Reactor) Ready() <-chan struct{} { return r.ready }

func (r *Reactor) Addr() net.Addr { return nil }

func (r *Reactor) Serve(ctx context.Context) error {
	return ErrReactorUnsupported
}
