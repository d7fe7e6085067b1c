package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/metrics"
)

const sendBuffer = 256

// Conn is one client connection as the hub sees it. Frames queued for the
// client are read from Send; the channel is closed when the hub drops the
// connection.
type Conn struct {
	ID     string
	UserID string

	send   chan []byte
	groups map[string]struct{}
}

func (c *Conn) Send() <-chan []byte { return c.send }

// Hub groups connections by room and user and delivers envelopes to them.
type Hub struct {
	name     string
	relay    Relay
	presence Presence
	hooks    *HookForwarder
	log      zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
	users  map[string]map[string]*Conn
}

type HubOption func(*Hub)

// WithRelay replaces the in-process relay, e.g. with a KafkaRelay.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

func WithPresence(p Presence) HubOption {
	return func(h *Hub) { h.presence = p }
}

// WithHooks forwards every published envelope to signed HTTP hooks.
func WithHooks(f *HookForwarder) HubOption {
	return func(h *Hub) { h.hooks = f }
}

func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

func NewHub(name string, opts ...HubOption) (*Hub, error) {
	h := &Hub{
		name:   name,
		log:    zerolog.Nop(),
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
		users:  make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.relay == nil {
		h.relay = NewLocalRelay()
	}
	if h.presence == nil {
		h.presence = NewMemoryPresence()
	}
	if err := h.relay.Subscribe(h.deliver); err != nil {
		return nil, fmt.Errorf("subscribe relay: %w", err)
	}
	return h, nil
}

func (h *Hub) Name() string { return h.name }

// Connections returns the number of live connections on this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Register adds a connection for userID. Its first queued frame is the
// handshake carrying the connection ID. A user's first connection announces
// them online to everyone.
func (h *Hub) Register(ctx context.Context, userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		groups: make(map[string]struct{}),
	}
	handshake, _ := json.Marshal(chatsync.Frame{Type: chatsync.FrameHandshake, ConnectionID: c.ID})
	c.send <- handshake

	h.mu.Lock()
	h.conns[c.ID] = c
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*Conn)
	}
	h.users[userID][c.ID] = c
	first := len(h.users[userID]) == 1
	h.mu.Unlock()

	metrics.GatewayConnections.Inc()
	h.log.Info().Str("connection", c.ID).Str("user", userID).Msg("client connected")

	if first {
		h.announce(ctx, chatsync.TargetUserOnline, userID)
	}
	return c
}

// Unregister drops a connection and closes its send channel. Unknown or
// already dropped connections are ignored.
func (h *Hub) Unregister(ctx context.Context, c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	var left []string
	for g := range c.groups {
		if h.removeLocked(g, c) {
			left = append(left, g)
		}
	}
	delete(h.users[c.UserID], c.ID)
	last := len(h.users[c.UserID]) == 0
	if last {
		delete(h.users, c.UserID)
	}
	close(c.send)
	h.mu.Unlock()

	metrics.GatewayConnections.Dec()
	h.log.Info().Str("connection", c.ID).Str("user", c.UserID).Msg("client disconnected")

	for _, g := range left {
		if err := h.presence.Leave(ctx, g, c.UserID); err != nil {
			h.log.Warn().Err(err).Str("room", g).Msg("presence leave failed")
		}
	}
	if last {
		h.announce(ctx, chatsync.TargetUserOffline, c.UserID)
	}
}

// AddToGroup subscribes a connection to a room group.
func (h *Hub) AddToGroup(ctx context.Context, group, connID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]*Conn)
	}
	h.groups[group][connID] = c
	c.groups[group] = struct{}{}
	h.mu.Unlock()

	return h.presence.Join(ctx, group, c.UserID)
}

// RemoveFromGroup unsubscribes a connection from a room group.
func (h *Hub) RemoveFromGroup(ctx context.Context, group, connID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	left := h.removeLocked(group, c)
	h.mu.Unlock()

	if left {
		return h.presence.Leave(ctx, group, c.UserID)
	}
	return nil
}

// removeLocked reports whether the user no longer has any connection in
// the group.
func (h *Hub) removeLocked(group string, c *Conn) bool {
	delete(c.groups, group)
	members := h.groups[group]
	if members == nil {
		return false
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
	for _, other := range members {
		if other.UserID == c.UserID {
			return false
		}
	}
	return true
}

// Members lists the users present in a room across all instances.
func (h *Hub) Members(ctx context.Context, group string) ([]string, error) {
	return h.presence.Members(ctx, group)
}

// Publish sends env through the relay and on to the hooks.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	if env.Invocation.Target == "" {
		return fmt.Errorf("publish: missing target")
	}
	if err := h.relay.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Invocation.Target, err)
	}
	metrics.GatewayPublished.WithLabelValues(string(env.Audience)).Inc()

	if h.hooks != nil {
		go func() {
			hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			h.hooks.Forward(hookCtx, env)
		}()
	}
	return nil
}

func (h *Hub) announce(ctx context.Context, target, userID string) {
	inv, err := chatsync.NewInvocation(target, chatsync.PresencePayload{UserID: userID})
	if err == nil {
		err = h.Publish(ctx, Envelope{Audience: AudienceAll, Invocation: inv})
	}
	if err != nil {
		h.log.Warn().Err(err).Str("user", userID).Str("target", target).Msg("presence broadcast failed")
	}
}

// deliver fans an envelope out to the local connections it addresses.
// Connections whose buffer is full are dropped.
func (h *Hub) deliver(env Envelope) {
	frame, err := json.Marshal(chatsync.Frame{
		Type:      chatsync.FrameInvocation,
		Scope:     env.Scope(),
		Target:    env.Invocation.Target,
		Arguments: env.Invocation.Arguments,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal frame")
		return
	}

	var slow []*Conn
	h.mu.RLock()
	var targets map[string]*Conn
	switch env.Audience {
	case AudienceAll:
		targets = h.conns
	case AudienceGroup:
		targets = h.groups[env.Name]
	case AudienceUser:
		targets = h.users[env.Name]
	}
	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("connection", c.ID).Msg("send buffer full, dropping client")
		h.Unregister(context.Background(), c)
	}
}

// Close drops every connection and stops the relay.
func (h *Hub) Close() error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.Unregister(context.Background(), c)
	}
	return h.relay.Close()
}
