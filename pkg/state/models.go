package state

// SubscriptionHeader carries the subscriber's own id on delivered messages.
const SubscriptionHeader = "subscription"

// Subscription binds one connection to one channel under a client-chosen id.
// The id is unique only within its connection.
type Subscription struct {
	ConnID   int64
	Channel  string
	ID       string
	Selector string // gjson path the message body must match; empty matches all
}

type SubscribeOption func(*Subscription)

// WithSelector restricts delivery to JSON bodies where path exists.
func WithSelector(path string) SubscribeOption {
	return func(s *Subscription) {
		s.Selector = path
	}
}
