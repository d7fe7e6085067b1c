package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Collaborators
// ============================================================================

// MessageAPI is the store boundary the engine reads history from and submits
// messages to. *Client satisfies it.
type MessageAPI interface {
	GetMessages(ctx context.Context, roomID string, opts *HistoryOptions) (*MessageList, error)
	PostMessage(ctx context.Context, req *SendMessageRequest) (*Message, error)
}

// Sink receives what a transport observes. *Engine implements it.
type Sink interface {
	HandleEvent(ev Event)
	HandleInboundEvent(msg Message) MergeOutcome
	Knows(id string) bool
	TransportDropped(err error)
	TransportRestored()
}

// Transport delivers inbound events for one room at a time.
//
// Start returns once the transport is live or has failed; it must not deliver
// anything to sink after Stop returns.
type Transport interface {
	Name() string
	Start(ctx context.Context, roomID string, sink Sink) error
	Stop() error
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the local message view of the active room consistent with the
// server: it merges inbound events without duplicates, keeps the view ordered
// by creation time, and tracks connection state.
//
// All methods are safe for concurrent use. Observers run synchronously on the
// goroutine that caused the change, after the engine lock is released.
type Engine struct {
	api       MessageAPI
	transport Transport
	identity  Identity
	log       zerolog.Logger
	obs       *observers

	// lifecycle serialises Connect and Disconnect so that a new transport
	// never starts before the previous one has stopped.
	lifecycle sync.Mutex

	mu        sync.Mutex
	room      string
	running   bool
	connected bool
	dropped   bool // drop reported since the current Start began
	err       error
	known     map[string]struct{}
	clientIDs map[string]string // correlation ID -> server ID
	view      []Message
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger. The default discards everything.
func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine acting as identity. transport may be nil for an
// engine that only loads history and sends.
func NewEngine(api MessageAPI, transport Transport, identity Identity, opts ...EngineOption) *Engine {
	e := &Engine{
		api:       api,
		transport: transport,
		identity:  identity,
		log:       zerolog.Nop(),
		known:     make(map[string]struct{}),
		clientIDs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.obs = newObservers(e.log)
	return e
}

// ============================================================================
// Observers
// ============================================================================

// OnChange registers fn to receive a copy of the view after every mutation.
func (e *Engine) OnChange(fn func([]Message)) {
	e.obs.mu.Lock()
	e.obs.onChange = append(e.obs.onChange, fn)
	e.obs.mu.Unlock()
}

// OnConnection registers fn to receive every connected/error transition.
func (e *Engine) OnConnection(fn func(connected bool, err error)) {
	e.obs.mu.Lock()
	e.obs.onConnection = append(e.obs.onConnection, fn)
	e.obs.mu.Unlock()
}

// OnEvent registers fn for events of kind. Use EventUnknown to see targets the
// engine does not recognise.
func (e *Engine) OnEvent(kind EventKind, fn func(Event)) {
	e.obs.mu.Lock()
	e.obs.onEvent[kind] = append(e.obs.onEvent[kind], fn)
	e.obs.mu.Unlock()
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns a copy of the current view, oldest first.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Room returns the active room, or "" before the first Connect.
func (e *Engine) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Err returns the last connection error, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Known reports whether a server ID is in the de-duplication set.
func (e *Engine) Known(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.known[id]
	return ok
}

// Knows implements Sink.
func (e *Engine) Knows(id string) bool {
	return e.Known(id)
}

// Identity returns the identity the engine acts as.
func (e *Engine) Identity() Identity {
	return e.identity
}

func (e *Engine) snapshotLocked() []Message {
	out := make([]Message, len(e.view))
	copy(out, e.view)
	return out
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect switches the engine to roomID. The previous transport is stopped and
// the view and de-duplication set are cleared before the new transport starts,
// so state from another room never survives. Calling Connect again for the
// same room is a reconnect.
func (e *Engine) Connect(ctx context.Context, roomID string) error {
	if roomID == "" {
		roomID = PublicRoomID()
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.teardown()

	e.mu.Lock()
	e.room = roomID
	e.err = nil
	e.dropped = false
	e.mu.Unlock()

	if e.transport == nil {
		e.setConnection(true, nil)
		return nil
	}

	e.log.Info().Str("room", roomID).Str("transport", e.transport.Name()).Msg("connecting")
	if err := e.transport.Start(ctx, roomID, e); err != nil {
		e.log.Error().Err(err).Str("room", roomID).Msg("connect failed")
		e.setConnection(false, err)
		return err
	}

	// A transport may report a drop before Start returns; that report wins.
	e.mu.Lock()
	e.running = true
	dropped := e.dropped
	if !dropped {
		e.connected = true
		e.err = nil
	}
	e.mu.Unlock()
	if dropped {
		e.log.Warn().Str("room", roomID).Msg("transport dropped while connecting")
		return nil
	}
	e.obs.emitConnection(true, nil)
	e.log.Info().Str("room", roomID).Msg("connected")
	return nil
}

// Disconnect stops the transport and clears the view and de-duplication set.
// It is safe to call when not connected.
func (e *Engine) Disconnect() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.teardown()
}

// teardown stops the transport outside the engine lock, then resets state.
// Caller holds lifecycle.
func (e *Engine) teardown() {
	e.mu.Lock()
	running := e.running
	e.running = false
	e.mu.Unlock()

	if running && e.transport != nil {
		if err := e.transport.Stop(); err != nil {
			e.log.Warn().Err(err).Msg("transport stop")
		}
	}

	e.mu.Lock()
	wasConnected := e.connected
	hadMessages := len(e.view) > 0
	e.connected = false
	e.resetLocked()
	e.mu.Unlock()

	if wasConnected {
		e.obs.emitConnection(false, nil)
	}
	if hadMessages {
		e.obs.emitChange([]Message{})
	}
}

// ClearMessages empties the view and the de-duplication set. The transport is
// left running.
func (e *Engine) ClearMessages() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	e.obs.emitChange([]Message{})
}

func (e *Engine) resetLocked() {
	e.view = nil
	e.known = make(map[string]struct{})
	e.clientIDs = make(map[string]string)
}

func (e *Engine) setConnection(connected bool, err error) {
	e.mu.Lock()
	e.connected = connected
	e.err = err
	e.mu.Unlock()
	e.obs.emitConnection(connected, err)
}

// TransportDropped implements Sink. The view and de-duplication set are kept.
func (e *Engine) TransportDropped(err error) {
	e.log.Warn().Err(err).Msg("transport dropped")
	e.mu.Lock()
	e.dropped = true
	e.connected = false
	e.err = err
	e.mu.Unlock()
	e.obs.emitConnection(false, err)
}

// TransportRestored implements Sink.
func (e *Engine) TransportRestored() {
	e.log.Info().Msg("transport restored")
	e.mu.Lock()
	e.dropped = false
	e.connected = true
	e.err = nil
	e.mu.Unlock()
	e.obs.emitConnection(true, nil)
}

// ============================================================================
// History & Send
// ============================================================================

// LoadHistory fetches up to limit of the most recent messages of roomID
// (DefaultHistoryLimit when limit <= 0) and replaces the view with them. An
// empty roomID means the active room.
func (e *Engine) LoadHistory(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if roomID == "" {
		roomID = e.activeRoomOrPublic()
	}

	list, err := e.api.GetMessages(ctx, roomID, &HistoryOptions{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", roomID, err)
	}

	msgs := make([]Message, len(list.Messages))
	copy(msgs, list.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	e.mu.Lock()
	e.view = msgs
	for _, m := range msgs {
		e.rememberLocked(m)
	}
	view := e.snapshotLocked()
	e.mu.Unlock()

	e.log.Debug().Str("room", roomID).Int("count", len(msgs)).Msg("history loaded")
	e.obs.emitChange(view)

	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// SendMessage submits a message and merges the server's copy into the view.
// Empty sender fields default to the engine identity; an empty roomID defaults
// to the active room, then the public room. Failures wrap ErrSendFailed and
// are not retried.
func (e *Engine) SendMessage(ctx context.Context, text, senderName, senderID, roomID string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrSendFailed)
	}
	if senderName == "" {
		senderName = e.identity.DisplayName
	}
	if senderID == "" {
		senderID = e.identity.UserID
	}
	if roomID == "" {
		roomID = e.activeRoomOrPublic()
	}

	req := &SendMessageRequest{
		Text:       text,
		SenderName: senderName,
		SenderID:   senderID,
		RoomID:     roomID,
		ClientID:   uuid.NewString(),
		Type:       MessageTypePublic,
	}
	if a, b, ok := ExtractDMParticipants(roomID); ok {
		req.Type = MessageTypeDM
		req.RecipientID = a
		if a == senderID {
			req.RecipientID = b
		}
	}

	msg, err := e.api.PostMessage(ctx, req)
	if err != nil {
		e.log.Error().Err(err).Str("room", roomID).Msg("send failed")
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("%w: server returned no message", ErrSendFailed)
	}
	if msg.ClientID == "" {
		msg.ClientID = req.ClientID
	}

	e.HandleInboundEvent(*msg)
	return msg, nil
}

func (e *Engine) activeRoomOrPublic() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.room != "" {
		return e.room
	}
	return PublicRoomID()
}

// ============================================================================
// Inbound
// ============================================================================

// HandleInboundEvent merges msg into the view unless its server ID or its
// correlation ID is already known, then restores creation-time order.
// Messages addressed to a room other than the active one are skipped.
func (e *Engine) HandleInboundEvent(msg Message) MergeOutcome {
	e.mu.Lock()
	if e.isDuplicateLocked(msg) || e.foreignLocked(msg) {
		e.mu.Unlock()
		return MergeSkipped
	}
	e.view = append(e.view, msg)
	e.rememberLocked(msg)
	sort.SliceStable(e.view, func(i, j int) bool { return e.view[i].CreatedAt.Before(e.view[j].CreatedAt) })
	view := e.snapshotLocked()
	e.mu.Unlock()

	e.obs.emitChange(view)
	return Merged
}

func (e *Engine) isDuplicateLocked(msg Message) bool {
	if msg.ID != "" {
		if _, ok := e.known[msg.ID]; ok {
			return true
		}
	}
	if msg.ClientID != "" {
		if _, ok := e.clientIDs[msg.ClientID]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) foreignLocked(msg Message) bool {
	return e.room != "" && msg.RoomID != "" && msg.RoomID != e.room
}

func (e *Engine) rememberLocked(msg Message) {
	if msg.ID != "" {
		e.known[msg.ID] = struct{}{}
	}
	if msg.ClientID != "" {
		e.clientIDs[msg.ClientID] = msg.ID
	}
}

// HandleMessageEdited replaces the entry with the same server ID in place.
// Unknown IDs are ignored.
func (e *Engine) HandleMessageEdited(msg Message) {
	e.mu.Lock()
	idx := e.indexLocked(msg.ID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	if msg.ClientID == "" {
		msg.ClientID = e.view[idx].ClientID
	}
	e.view[idx] = msg
	e.rememberLocked(msg)
	view := e.snapshotLocked()
	e.mu.Unlock()

	e.obs.emitChange(view)
}

// HandleMessageDeleted removes the entry with server ID id and forgets it.
func (e *Engine) HandleMessageDeleted(id string) {
	e.mu.Lock()
	delete(e.known, id)
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	if cid := e.view[idx].ClientID; cid != "" {
		delete(e.clientIDs, cid)
	}
	e.view = append(e.view[:idx], e.view[idx+1:]...)
	view := e.snapshotLocked()
	e.mu.Unlock()

	e.obs.emitChange(view)
}

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.view {
		if e.view[i].ID == id {
			return i
		}
	}
	return -1
}

// HandleEvent dispatches a parsed broker event. Message events mutate the
// view; every event, known or not, is then passed to OnEvent observers.
func (e *Engine) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventReceiveMessage:
		if ev.Message != nil {
			e.HandleInboundEvent(*ev.Message)
		}
	case EventMessageEdited:
		if ev.Message != nil {
			e.HandleMessageEdited(*ev.Message)
		}
	case EventMessageDeleted:
		if ev.Deleted != nil {
			e.HandleMessageDeleted(ev.Deleted.MessageID)
		}
	case EventUserOnline, EventUserOffline:
		if ev.Presence != nil {
			e.log.Info().Str("user", ev.Presence.UserID).Str("event", ev.Target).Msg("presence")
		}
	case EventContactAdded, EventContactRemoved,
		EventGroupCreated, EventGroupUpdated, EventGroupMembersAdded,
		EventGroupMemberRemoved, EventGroupDeleted, EventAvatarUpdated:
		e.log.Debug().Str("event", ev.Target).Msg("event")
	case EventUnknown:
		e.log.Warn().Str("target", ev.Target).Msg("unknown event target")
	}
	e.obs.emitEvent(ev)
}
