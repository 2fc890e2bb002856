package transport

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/stompd/pkg/frame"
)

// called once when the transport is gone, with the error that ended it (nil on clean close).
type OnCloseHandler func(connID int64, err error)

type ConnectionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
}

// Connection is the blocking handler: one goroutine owns the read side of a
// net.Conn while any goroutine may Send. Writes are serialized by writeMu so
// frames from concurrent fan-outs never interleave.
type Connection struct {
	id       int64
	conn     net.Conn
	config   ConnectionConfig
	decoder  *frame.Decoder
	protocol Protocol
	reader   *bufio.Reader

	writeMu sync.Mutex

	onClose   OnCloseHandler
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

var _ Handler = (*Connection)(nil)

func NewConnection(id int64, conn net.Conn, config ConnectionConfig, protocol Protocol, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	size := config.ReadBufferSize
	if size <= 0 {
		size = 4096
	}
	return &Connection{
		id:       id,
		conn:     conn,
		config:   config,
		decoder:  frame.NewDecoder(),
		protocol: protocol,
		reader:   bufio.NewReaderSize(conn, size),
		onClose:  onClose,
		done:     make(chan struct{}),
		logger:   logger.With(slog.Int64("connID", id)),
	}
}

// Run reads the connection until end of stream, an I/O error or protocol
// termination, then closes it. It blocks; callers start it in a goroutine.
func (c *Connection) Run() {
	var readErr error
	defer func() {
		c.shutdown(readErr)
	}()

	c.logger.Debug("connection established", slog.String("remoteAddr", c.conn.RemoteAddr().String()))
	for !c.protocol.ShouldTerminate() && !c.IsClosed() {
		if c.config.ReadTimeout > 0 && c.reader.Buffered() == 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		b, err := c.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.IsClosed() {
				readErr = err
			}
			return
		}
		if msg, ok := c.decoder.DecodeNextByte(b); ok {
			c.protocol.Process(msg)
		}
	}
}

// Send writes f synchronously. Safe for concurrent use.
func (c *Connection) Send(f frame.Frame) {
	if c.IsClosed() {
		c.logger.Debug("dropping frame for closed connection", slog.String("command", f.Command.String()))
		return
	}
	data := frame.EncodeFrame(f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		c.logger.Debug("write failed", slog.Any("error", err))
		c.shutdown(err)
	}
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if cErr := c.conn.Close(); cErr != nil && err == nil {
			c.logger.Debug("close returned error", slog.Any("error", cErr))
		}
		c.logger.Info("connection closed", slog.Any("reason", err))
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		close(c.done)
	})
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() int64 {
	return c.id
}
