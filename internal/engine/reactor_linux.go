//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/a-essam23/stompd/pkg/transport"
)

const maxEvents = 256

// Reactor multiplexes every connection on one epoll loop and hands decoded
// work to an ActorPool keyed by connection id. Only the loop goroutine
// touches epoll registrations; other goroutines go through enqueue.
type Reactor struct {
	opts   Options
	logger *slog.Logger

	ready chan struct{}
	addr  net.Addr

	epfd     int
	listenFd int
	wakeFd   int

	mu         sync.Mutex
	tasks      []func()
	wakeClosed bool

	// loop goroutine only
	conns map[int]*fdConn
	pool  *ActorPool
}

var _ Engine = (*Reactor)(nil)

func NewReactor(opts Options) *Reactor {
	opts.setDefaults()
	return &Reactor{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "engine_reactor")),
		ready:    make(chan struct{}),
		epfd:     -1,
		listenFd: -1,
		wakeFd:   -1,
		conns:    make(map[int]*fdConn),
	}
}

func (r *Reactor) Ready() <-chan struct{} { return r.ready }

func (r *Reactor) Addr() net.Addr { return r.addr }

func (r *Reactor) Serve(ctx context.Context) error {
	if err := r.open(); err != nil {
		r.closeFds()
		return err
	}
	r.pool = NewActorPool(r.opts.Workers, r.opts.Logger)
	close(r.ready)
	r.logger.Info("Listening", slog.String("addr", r.addr.String()))

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.wake()
		case <-stop:
		}
	}()

	err := r.loop(ctx)
	close(stop)
	r.shutdown()
	return err
}

func (r *Reactor) open() error {
	var err error
	if r.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	if r.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, r.wakeFd, unix.EPOLLIN); err != nil {
		return err
	}
	if r.listenFd, r.addr, err = listenNonBlocking(r.opts.Address); err != nil {
		return err
	}
	return r.ctl(unix.EPOLL_CTL_ADD, r.listenFd, unix.EPOLLIN)
}

func (r *Reactor) loop(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		r.runTasks()
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch fd {
			case r.listenFd:
				r.acceptAll()
			case r.wakeFd:
				r.drainWake()
			default:
				r.dispatch(fd, ev.Events)
			}
		}
	}
}

func (r *Reactor) dispatch(fd int, events uint32) {
	c, ok := r.conns[fd]
	if !ok {
		return
	}
	// errors and hangups surface through the next read
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if task := c.handler.ContinueRead(); task != nil {
			if !r.pool.Submit(c.id, task) {
				r.logger.Warn("Worker pool closed, dropping task", slog.Int64("connID", c.id))
			}
		}
	}
	if events&unix.EPOLLOUT != 0 && !c.handler.IsClosed() {
		c.handler.ContinueWrite()
	}
}

func (r *Reactor) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				r.logger.Error("Accept failed", slog.Any("error", err))
				return
			}
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		if err := r.ctl(unix.EPOLL_CTL_ADD, nfd, readEvents); err != nil {
			r.logger.Error("Failed to register connection", slog.Any("error", err))
			_ = unix.Close(nfd)
			continue
		}

		id := r.opts.IDs.Next()
		c := &fdConn{reactor: r, fd: nfd, id: id, interest: transport.Readable}
		protocol := r.opts.NewProtocol(id)
		c.handler = transport.NewNonBlockingConnection(id, c, protocol, r.opts.Transport.ReadBufferSize, func(int64, error) {
			protocol.Release()
		}, r.opts.Logger)

		r.conns[nfd] = c
		r.opts.Registry.RegisterConnection(id, c.handler)
		r.logger.Debug("Connection accepted", slog.Int64("connID", id), slog.String("remoteAddr", sockaddrString(sa)))
	}
}

// enqueue schedules fn on the loop goroutine.
func (r *Reactor) enqueue(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
	r.wake()
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

var wakeValue = [8]byte{1}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wakeClosed {
		return
	}
	// EAGAIN means the counter is already non-zero, which is just as good
	_, _ = unix.Write(r.wakeFd, wakeValue[:])
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakeFd, buf[:])
}

func (r *Reactor) shutdown() {
	_ = unix.Close(r.listenFd)
	r.listenFd = -1

	if len(r.conns) > 0 {
		r.logger.Info("Closing active connections", slog.Int("count", len(r.conns)))
	}
	for _, c := range r.conns {
		_ = c.handler.Close()
	}

	r.pool.Close()
	// queued interest changes only refer to closed connections by now
	r.runTasks()
	r.closeFds()
	r.logger.Info("Reactor stopped")
}

func (r *Reactor) closeFds() {
	r.mu.Lock()
	r.wakeClosed = true
	r.mu.Unlock()
	for _, fd := range []*int{&r.listenFd, &r.wakeFd, &r.epfd} {
		if *fd >= 0 {
			_ = unix.Close(*fd)
			*fd = -1
		}
	}
}

func (r *Reactor) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d, fd %d): %w", op, fd, err)
	}
	return nil
}

const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP

func epollEvents(i transport.Interest) uint32 {
	var ev uint32
	if i&transport.Readable != 0 {
		ev |= readEvents
	}
	if i&transport.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// fdConn is a non-blocking socket owned by the reactor loop.
type fdConn struct {
	reactor *Reactor
	fd      int
	id      int64
	handler *transport.NonBlockingConnection

	// loop goroutine only
	interest transport.Interest
	closed   bool
}

var _ transport.Conn = (*fdConn)(nil)

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (c *fdConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	r := c.reactor
	delete(r.conns, c.fd)
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	return unix.Close(c.fd)
}

func (c *fdConn) SetInterest(i transport.Interest) {
	if c.closed || i == c.interest {
		return
	}
	if err := c.reactor.ctl(unix.EPOLL_CTL_MOD, c.fd, epollEvents(i)); err != nil {
		c.reactor.logger.Error("Failed to update interest", slog.Int64("connID", c.id), slog.Any("error", err))
		return
	}
	c.interest = i
}

func (c *fdConn) RequestInterest(i transport.Interest) {
	c.reactor.enqueue(func() { c.SetInterest(i) })
}

func listenNonBlocking(address string) (int, net.Addr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); tcpAddr.IP == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, sockaddrToTCP(bound), nil
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	if sa == nil {
		return ""
	}
	return sockaddrToTCP(sa).String()
}
