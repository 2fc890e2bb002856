package state

import (
	"github.com/a-essam23/stompd/pkg/frame"
	"github.com/a-essam23/stompd/pkg/transport"
)

// Registry is the broker's shared state: live connections, channel
// membership and per-connection subscription ids. All methods are safe for
// concurrent use; none of them report errors, unknown ids and channels are
// no-ops.
type Registry interface {
	// --- Connection Lifecycle ---
	RegisterConnection(connID int64, handler transport.Handler)
	// Disconnect removes the connection and every subscription it holds
	// before returning. It does not close the transport.
	Disconnect(connID int64)
	ConnectionCount() int

	// --- Delivery ---
	// Send forwards f to one connection; false if the id is not registered.
	Send(connID int64, f frame.Frame) bool
	// Broadcast delivers a copy of f to every current subscriber of channel,
	// with the "subscription" header set to that subscriber's id.
	Broadcast(channel string, f frame.Frame)

	// --- Subscriptions ---
	Subscribe(channel string, connID int64, subID string, opts ...SubscribeOption)
	// Unsubscribe resolves the channel bound to subID for connID and removes it.
	Unsubscribe(subID string, connID int64)
	IsSubscribed(channel string, connID int64) bool
	Subscribers(channel string) []Subscription
	Subscriptions(connID int64) []Subscription
}
