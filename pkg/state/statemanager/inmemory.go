package statemanager

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/stompd/pkg/frame"
	"github.com/a-essam23/stompd/pkg/state"
	"github.com/a-essam23/stompd/pkg/transport"
	"github.com/tidwall/gjson"
)

// InMemoryManager keeps the forward map (channel -> connID -> subscription)
// and the reverse map (connID -> subID -> subscription) under one lock, so
// both always describe the same set of subscriptions. Both maps point at
// the same *Subscription values, which are never mutated after insert.
type InMemoryManager struct {
	mu       sync.RWMutex
	conns    map[int64]transport.Handler
	channels map[string]map[int64]*state.Subscription
	subs     map[int64]map[string]*state.Subscription

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:    make(map[int64]transport.Handler),
		channels: make(map[string]map[int64]*state.Subscription),
		subs:     make(map[int64]map[string]*state.Subscription),
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(connID int64, handler transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[connID]; exists {
		m.logger.Warn("Connection id registered twice, replacing handler", slog.Int64("connID", connID))
	}
	m.conns[connID] = handler
	m.logger.Debug("Connection registered", slog.Int64("connID", connID))
}

func (m *InMemoryManager) Disconnect(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, registered := m.conns[connID]
	delete(m.conns, connID)

	for _, sub := range m.subs[connID] {
		m.detachLocked(sub)
	}
	delete(m.subs, connID)

	if registered {
		m.logger.Debug("Connection deregistered", slog.Int64("connID", connID))
	}
}

func (m *InMemoryManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// --- Delivery ---

func (m *InMemoryManager) Send(connID int64, f frame.Frame) bool {
	m.mu.RLock()
	handler, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	handler.Send(f)
	return true
}

type delivery struct {
	handler transport.Handler
	sub     *state.Subscription
}

// Broadcast snapshots the subscriber set under the read lock and delivers
// after releasing it, so a slow handler never holds up registry writers.
func (m *InMemoryManager) Broadcast(channel string, f frame.Frame) {
	m.mu.RLock()
	members := m.channels[channel]
	targets := make([]delivery, 0, len(members))
	for connID, sub := range members {
		if handler, ok := m.conns[connID]; ok {
			targets = append(targets, delivery{handler: handler, sub: sub})
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if t.sub.Selector != "" && !matchesSelector(f.Body, t.sub.Selector) {
			continue
		}
		t.handler.Send(f.WithHeader(state.SubscriptionHeader, t.sub.ID))
		delivered++
	}
	m.logger.Debug("Broadcast to channel", slog.String("channel", channel), slog.Int("recipients", delivered))
}

func matchesSelector(body, path string) bool {
	return gjson.Valid(body) && gjson.Get(body, path).Exists()
}

// --- Subscriptions ---

func (m *InMemoryManager) Subscribe(channel string, connID int64, subID string, opts ...state.SubscribeOption) {
	sub := &state.Subscription{ConnID: connID, Channel: channel, ID: subID}
	for _, opt := range opts {
		opt(sub)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		m.logger.Debug("Ignoring subscribe for unknown connection", slog.Int64("connID", connID), slog.String("channel", channel))
		return
	}

	// the id moves to the new channel
	if prev, ok := m.subs[connID][subID]; ok {
		m.detachLocked(prev)
	}
	// one subscription per (connection, channel): the new id replaces the old
	if prev, ok := m.channels[channel][connID]; ok {
		m.detachLocked(prev)
	}

	members, ok := m.channels[channel]
	if !ok {
		members = make(map[int64]*state.Subscription)
		m.channels[channel] = members
	}
	members[connID] = sub

	bySub, ok := m.subs[connID]
	if !ok {
		bySub = make(map[string]*state.Subscription)
		m.subs[connID] = bySub
	}
	bySub[subID] = sub

	m.logger.Debug("Subscribed", slog.Int64("connID", connID), slog.String("channel", channel), slog.String("subID", subID))
}

func (m *InMemoryManager) Unsubscribe(subID string, connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[connID][subID]
	if !ok {
		m.logger.Debug("Unsubscribe for unknown subscription", slog.Int64("connID", connID), slog.String("subID", subID))
		return
	}
	m.detachLocked(sub)
	m.logger.Debug("Unsubscribed", slog.Int64("connID", connID), slog.String("channel", sub.Channel), slog.String("subID", subID))
}

func (m *InMemoryManager) IsSubscribed(channel string, connID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel][connID]
	return ok
}

func (m *InMemoryManager) Subscribers(channel string) []state.Subscription {
	m.mu.RLock()
	out := make([]state.Subscription, 0, len(m.channels[channel]))
	for _, sub := range m.channels[channel] {
		out = append(out, *sub)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (m *InMemoryManager) Subscriptions(connID int64) []state.Subscription {
	m.mu.RLock()
	out := make([]state.Subscription, 0, len(m.subs[connID]))
	for _, sub := range m.subs[connID] {
		out = append(out, *sub)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// detachLocked removes sub from both maps and prunes what becomes empty.
// Caller holds the write lock.
func (m *InMemoryManager) detachLocked(sub *state.Subscription) {
	if members, ok := m.channels[sub.Channel]; ok {
		if members[sub.ConnID] == sub {
			delete(members, sub.ConnID)
		}
		if len(members) == 0 {
			delete(m.channels, sub.Channel)
		}
	}
	if bySub, ok := m.subs[sub.ConnID]; ok {
		if bySub[sub.ID] == sub {
			delete(bySub, sub.ID)
		}
		if len(bySub) == 0 {
			delete(m.subs, sub.ConnID)
		}
	}
}
