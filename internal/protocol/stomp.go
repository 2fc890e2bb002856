package protocol

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/a-essam23/stompd/internal/auth"
	"github.com/a-essam23/stompd/pkg/frame"
	"github.com/a-essam23/stompd/pkg/state"
	"github.com/a-essam23/stompd/pkg/transport"
	"github.com/google/uuid"
)

// Version is the only accept-version the broker speaks.
const Version = "1.2"

const (
	headerAcceptVersion = "accept-version"
	headerVersion       = "version"
	headerLogin         = "login"
	headerPasscode      = "passcode"
	headerDestination   = "destination"
	headerID            = "id"
	headerReceipt       = "receipt"
	headerReceiptID     = "receipt-id"
	headerMessage       = "message"
	headerMessageID     = "message-id"
	headerSelector      = "selector"
)

// Authenticator is the login service consulted on CONNECT.
type Authenticator interface {
	Login(connID int64, login, passcode string) auth.Status
	Logout(connID int64)
}

// State is the lifecycle stage of one connection's session.
type State int32

const (
	StateInit State = iota
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "terminated"
	}
}

// Stomp runs the per-connection state machine. Process is called by one
// goroutine at a time; ShouldTerminate and Release may be called from others.
type Stomp struct {
	connID   int64
	registry state.Registry
	auth     Authenticator
	logger   *slog.Logger

	state       atomic.Int32
	currentUser string
}

var _ transport.Protocol = (*Stomp)(nil)

// New returns the state machine for connection connID, starting in StateInit.
func New(connID int64, registry state.Registry, authenticator Authenticator, logger *slog.Logger) *Stomp {
	return &Stomp{
		connID:   connID,
		registry: registry,
		auth:     authenticator,
		logger:   logger.With(slog.String("component", "stomp"), slog.Int64("connID", connID)),
	}
}

// State reports the current lifecycle stage. Safe from any goroutine.
func (p *Stomp) State() State {
	return State(p.state.Load())
}

// ShouldTerminate reports whether the session has ended and the transport
// must close once pending output is flushed.
func (p *Stomp) ShouldTerminate() bool {
	return p.State() == StateTerminated
}

// Release tears down everything the connection holds once its transport is
// gone. Safe to call more than once.
func (p *Stomp) Release() {
	p.state.Store(int32(StateTerminated))
	p.auth.Logout(p.connID)
	p.registry.Disconnect(p.connID)
}

func (p *Stomp) Process(msg string) {
	if p.ShouldTerminate() {
		p.logger.Debug("Dropping frame after termination")
		return
	}

	f, err := frame.Parse(msg)
	if err != nil {
		p.logger.Debug("Ignoring empty frame")
		return
	}
	p.logger.Debug("Processing frame", slog.String("command", f.Command.String()))

	switch f.Command {
	case frame.Connect:
		p.handleConnect(f)
	case frame.Subscribe:
		p.handleSubscribe(f)
	case frame.Unsubscribe:
		p.handleUnsubscribe(f)
	case frame.Send:
		p.handleSend(f)
	case frame.Disconnect:
		p.handleDisconnect(f)
	default:
		token, _, _ := strings.Cut(msg, "\n")
		p.fail(f, "Unknown Command", "The command "+strings.TrimSpace(token)+" is not supported")
	}
}

func (p *Stomp) handleConnect(f frame.Frame) {
	version, hasVersion := f.Header(headerAcceptVersion)
	login, hasLogin := f.Header(headerLogin)
	passcode, hasPasscode := f.Header(headerPasscode)
	if !hasVersion || !hasLogin || !hasPasscode {
		p.fail(f, "Malformed Frame", "CONNECT requires accept-version, login and passcode headers")
		return
	}
	if version != Version {
		p.fail(f, "Malformed Frame", "Supported version is "+Version)
		return
	}

	status := p.auth.Login(p.connID, login, passcode)
	if !status.OK() {
		p.fail(f, "Login Failed", loginFailure(status))
		return
	}
	if !p.state.CompareAndSwap(int32(StateInit), int32(StateAuthenticated)) {
		// transport closed while the login was in flight
		p.auth.Logout(p.connID)
		return
	}
	p.currentUser = login
	p.logger.Info("Client connected", slog.String("user", login), slog.String("status", status.String()))
	p.reply(frame.New(frame.Connected, "", headerVersion, Version))
}

func loginFailure(status auth.Status) string {
	switch status {
	case auth.WrongPassword:
		return "Wrong password"
	case auth.AlreadyLoggedIn:
		return "User already logged in"
	case auth.ClientAlreadyConnected:
		return "Client already connected"
	default:
		return "Login failed"
	}
}

func (p *Stomp) handleSubscribe(f frame.Frame) {
	destination, hasDest := f.Header(headerDestination)
	subID, hasID := f.Header(headerID)
	if !hasDest || !hasID {
		p.fail(f, "Malformed Frame", "SUBSCRIBE requires destination and id headers")
		return
	}

	var opts []state.SubscribeOption
	if selector, ok := f.Header(headerSelector); ok && selector != "" {
		opts = append(opts, state.WithSelector(selector))
	}
	p.registry.Subscribe(destination, p.connID, subID, opts...)
	p.sendReceipt(f)
}

func (p *Stomp) handleUnsubscribe(f frame.Frame) {
	subID, ok := f.Header(headerID)
	if !ok {
		p.fail(f, "Malformed Frame", "UNSUBSCRIBE requires an id header")
		return
	}
	p.registry.Unsubscribe(subID, p.connID)
	p.sendReceipt(f)
}

func (p *Stomp) handleSend(f frame.Frame) {
	destination, ok := f.Header(headerDestination)
	if !ok {
		p.fail(f, "Malformed Frame", "SEND requires a destination header")
		return
	}
	// an empty login is still a login
	if p.State() != StateAuthenticated {
		p.fail(f, "Unauthorized", "You must log in first")
		return
	}
	if !p.registry.IsSubscribed(destination, p.connID) {
		p.fail(f, "Unauthorized", "User is not subscribed to topic "+destination)
		return
	}

	msg := frame.New(frame.Message, f.Body,
		state.SubscriptionHeader, "",
		headerMessageID, newMessageID(),
		headerDestination, destination,
	)
	p.registry.Broadcast(destination, msg)
	p.sendReceipt(f)
}

func (p *Stomp) handleDisconnect(f frame.Frame) {
	p.auth.Logout(p.connID)
	p.sendReceipt(f)
	p.state.Store(int32(StateTerminated))
	p.registry.Disconnect(p.connID)
	p.logger.Info("Client disconnected", slog.String("user", p.currentUser))
}

// fail sends ERROR to this connection only and ends the session.
func (p *Stomp) fail(req frame.Frame, cause, description string) {
	errFrame := frame.New(frame.Error, description+"\n", headerMessage, cause)
	if receipt, ok := req.Header(headerReceipt); ok {
		errFrame.Headers[headerReceiptID] = receipt
	}
	p.logger.Warn("Protocol error", slog.String("cause", cause), slog.String("detail", description))

	p.reply(errFrame)
	p.state.Store(int32(StateTerminated))
	p.registry.Disconnect(p.connID)
}

func (p *Stomp) sendReceipt(req frame.Frame) {
	if receipt, ok := req.Header(headerReceipt); ok {
		p.reply(frame.New(frame.Receipt, "", headerReceiptID, receipt))
	}
}

func (p *Stomp) reply(f frame.Frame) {
	if !p.registry.Send(p.connID, f) {
		p.logger.Debug("Reply dropped, connection no longer registered", slog.String("command", f.Command.String()))
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
