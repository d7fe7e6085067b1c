package chatsync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind is the closed set of events the broker can deliver.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventReceiveMessage
	EventMessageEdited
	EventMessageDeleted
	EventUserOnline
	EventUserOffline
	EventContactAdded
	EventContactRemoved
	EventGroupCreated
	EventGroupUpdated
	EventGroupMembersAdded
	EventGroupMemberRemoved
	EventGroupDeleted
	EventAvatarUpdated
)

// Broker targets, as they appear on the wire.
const (
	TargetReceiveMessage     = "ReceiveMessage"
	TargetMessageEdited      = "MessageEdited"
	TargetMessageDeleted     = "MessageDeleted"
	TargetUserOnline         = "UserOnline"
	TargetUserOffline        = "UserOffline"
	TargetContactAdded       = "ContactAdded"
	TargetContactRemoved     = "ContactRemoved"
	TargetGroupCreated       = "GroupCreated"
	TargetGroupUpdated       = "GroupUpdated"
	TargetGroupMembersAdded  = "GroupMembersAdded"
	TargetGroupMemberRemoved = "GroupMemberRemoved"
	TargetGroupDeleted       = "GroupDeleted"
	TargetAvatarUpdated      = "AvatarUpdated"
)

var targetKinds = map[string]EventKind{
	TargetReceiveMessage:     EventReceiveMessage,
	TargetMessageEdited:      EventMessageEdited,
	TargetMessageDeleted:     EventMessageDeleted,
	TargetUserOnline:         EventUserOnline,
	TargetUserOffline:        EventUserOffline,
	TargetContactAdded:       EventContactAdded,
	TargetContactRemoved:     EventContactRemoved,
	TargetGroupCreated:       EventGroupCreated,
	TargetGroupUpdated:       EventGroupUpdated,
	TargetGroupMembersAdded:  EventGroupMembersAdded,
	TargetGroupMemberRemoved: EventGroupMemberRemoved,
	TargetGroupDeleted:       EventGroupDeleted,
	TargetAvatarUpdated:      EventAvatarUpdated,
}

// KindForTarget maps a wire target to its kind. Unrecognised targets map to
// EventUnknown.
func KindForTarget(target string) EventKind {
	if k, ok := targetKinds[target]; ok {
		return k
	}
	return EventUnknown
}

func (k EventKind) String() string {
	for target, kind := range targetKinds {
		if kind == k {
			return target
		}
	}
	return "Unknown"
}

// ============================================================================
// Wire Format
// ============================================================================

// Invocation is the {target, arguments} body the broker fans out.
type Invocation struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// NewInvocation marshals args into an Invocation for target.
func NewInvocation(target string, args ...any) (Invocation, error) {
	inv := Invocation{Target: target, Arguments: make([]json.RawMessage, 0, len(args))}
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Invocation{}, fmt.Errorf("marshal %s argument: %w", target, err)
		}
		inv.Arguments = append(inv.Arguments, b)
	}
	return inv, nil
}

// Scope says whether an event was addressed to a room group or to one
// connection/user.
type Scope string

const (
	ScopeGroup  Scope = "group"
	ScopeServer Scope = "server"
)

// FrameType discriminates gateway websocket frames.
type FrameType string

const (
	FrameHandshake  FrameType = "handshake"
	FrameInvocation FrameType = "invocation"
	FrameClose      FrameType = "close"
)

// Frame is a single gateway-to-client websocket message.
type Frame struct {
	Type         FrameType         `json:"type"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Scope        Scope             `json:"scope,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Invocation returns the frame's target and arguments.
func (f Frame) Invocation() Invocation {
	return Invocation{Target: f.Target, Arguments: f.Arguments}
}

// ============================================================================
// Event
// ============================================================================

// Event is a parsed broker invocation. Only the field matching Kind is set;
// Raw always holds the first argument.
type Event struct {
	Kind     EventKind
	Target   string
	Scope    Scope
	Message  *Message
	Deleted  *MessageDeletedPayload
	Presence *PresencePayload
	Raw      json.RawMessage
}

// Decode unmarshals the first argument into v.
func (e Event) Decode(v any) error {
	if len(e.Raw) == 0 {
		return fmt.Errorf("event %s has no arguments", e.Target)
	}
	return json.Unmarshal(e.Raw, v)
}

// ParseEvent turns an invocation into a typed Event. Unknown targets are not
// an error; they come back as EventUnknown.
func ParseEvent(scope Scope, inv Invocation) (Event, error) {
	ev := Event{Kind: KindForTarget(inv.Target), Target: inv.Target, Scope: scope}
	if len(inv.Arguments) > 0 {
		ev.Raw = inv.Arguments[0]
	}

	switch ev.Kind {
	case EventReceiveMessage, EventMessageEdited:
		var m Message
		if err := ev.Decode(&m); err != nil {
			return ev, fmt.Errorf("decode %s: %w", inv.Target, err)
		}
		ev.Message = &m
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if err := ev.Decode(&p); err != nil {
			// Older publishers send the bare message ID.
			var id string
			if json.Unmarshal(ev.Raw, &id) != nil {
				return ev, fmt.Errorf("decode %s: %w", inv.Target, err)
			}
			p.MessageID = id
		}
		if p.MessageID == "" {
			return ev, fmt.Errorf("decode %s: missing messageId", inv.Target)
		}
		ev.Deleted = &p
	case EventUserOnline, EventUserOffline:
		var p PresencePayload
		if err := ev.Decode(&p); err != nil {
			return ev, fmt.Errorf("decode %s: %w", inv.Target, err)
		}
		ev.Presence = &p
	case EventContactAdded, EventContactRemoved,
		EventGroupCreated, EventGroupUpdated, EventGroupMembersAdded,
		EventGroupMemberRemoved, EventGroupDeleted, EventAvatarUpdated,
		EventUnknown:
		// Carried as Raw for observers.
	}
	return ev, nil
}

// ============================================================================
// Observers
// ============================================================================

type observers struct {
	log          zerolog.Logger
	mu           sync.RWMutex
	onChange     []func([]Message)
	onConnection []func(bool, error)
	onEvent      map[EventKind][]func(Event)
}

func newObservers(log zerolog.Logger) *observers {
	return &observers{log: log, onEvent: make(map[EventKind][]func(Event))}
}

func (o *observers) emitChange(view []Message) {
	o.mu.RLock()
	handlers := append([]func([]Message){}, o.onChange...)
	o.mu.RUnlock()
	for _, h := range handlers {
		o.safeCall("change", func() { h(view) })
	}
}

func (o *observers) emitConnection(connected bool, err error) {
	o.mu.RLock()
	handlers := append([]func(bool, error){}, o.onConnection...)
	o.mu.RUnlock()
	for _, h := range handlers {
		o.safeCall("connection", func() { h(connected, err) })
	}
}

func (o *observers) emitEvent(ev Event) {
	o.mu.RLock()
	handlers := append([]func(Event){}, o.onEvent[ev.Kind]...)
	o.mu.RUnlock()
	for _, h := range handlers {
		o.safeCall(ev.Kind.String(), func() { h(ev) })
	}
}

// safeCall runs an observer, logging and discarding its panic.
func (o *observers) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("observer", name).Interface("panic", r).Msg("observer panicked")
		}
	}()
	fn()
}
