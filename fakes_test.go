package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errBackend = errors.New("backend unavailable")

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return baseTime.Add(time.Duration(sec) * time.Second)
}

func msg(id, room string, sec int) Message {
	return Message{ID: id, RoomID: room, Text: "text " + id, SenderName: "Tester", CreatedAt: at(sec)}
}

// memoryAPI is an in-process MessageAPI that assigns server IDs and
// timestamps the way the real store does.
type memoryAPI struct {
	mu       sync.Mutex
	rooms    map[string][]Message
	seq      int
	getErr   error
	postErr  error
	getCalls int
}

func newMemoryAPI() *memoryAPI {
	return &memoryAPI{rooms: make(map[string][]Message)}
}

func (a *memoryAPI) GetMessages(ctx context.Context, roomID string, opts *HistoryOptions) (*MessageList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getCalls++
	if a.getErr != nil {
		return nil, a.getErr
	}
	all := a.rooms[roomID]
	limit := DefaultHistoryLimit
	if opts != nil && opts.Limit > 0 {
		limit = opts.Limit
	}
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	out := make([]Message, len(all)-start)
	copy(out, all[start:])
	return &MessageList{Messages: out}, nil
}

func (a *memoryAPI) PostMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.postErr != nil {
		return nil, a.postErr
	}
	a.seq++
	m := Message{
		ID:          fmt.Sprintf("srv-%d", a.seq),
		RoomID:      req.RoomID,
		Text:        req.Text,
		SenderName:  req.SenderName,
		SenderID:    req.SenderID,
		ClientID:    req.ClientID,
		Type:        req.Type,
		RecipientID: req.RecipientID,
		CreatedAt:   at(1000 + a.seq),
	}
	a.rooms[req.RoomID] = append(a.rooms[req.RoomID], m)
	return &m, nil
}

func (a *memoryAPI) add(m Message) {
	a.mu.Lock()
	a.rooms[m.RoomID] = append(a.rooms[m.RoomID], m)
	a.mu.Unlock()
}

func (a *memoryAPI) remove(room, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.rooms[room]
	for i := range msgs {
		if msgs[i].ID == id {
			a.rooms[room] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (a *memoryAPI) setGetErr(err error) {
	a.mu.Lock()
	a.getErr = err
	a.mu.Unlock()
}

// stubTransport records lifecycle calls and hands the sink to the test.
type stubTransport struct {
	mu          sync.Mutex
	startErr    error
	dropOnStart error
	sink        Sink
	calls       []string
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Start(ctx context.Context, roomID string, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "start:"+roomID)
	if s.startErr != nil {
		return s.startErr
	}
	s.sink = sink
	if s.dropOnStart != nil {
		sink.TransportDropped(s.dropOnStart)
	}
	return nil
}

func (s *stubTransport) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "stop")
	s.sink = nil
	return nil
}

func (s *stubTransport) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// recordingSink is a Sink that only records what it is told.
type recordingSink struct {
	mu       sync.Mutex
	known    map[string]bool
	merged   []Message
	events   []Event
	dropped  []error
	restored int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{known: make(map[string]bool)}
}

func (r *recordingSink) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Message != nil && ev.Kind == EventReceiveMessage {
		r.HandleInboundEvent(*ev.Message)
	}
}

func (r *recordingSink) HandleInboundEvent(m Message) MergeOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known[m.ID] {
		return MergeSkipped
	}
	r.known[m.ID] = true
	r.merged = append(r.merged, m)
	return Merged
}

func (r *recordingSink) Knows(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[id]
}

func (r *recordingSink) TransportDropped(err error) {
	r.mu.Lock()
	r.dropped = append(r.dropped, err)
	r.mu.Unlock()
}

func (r *recordingSink) TransportRestored() {
	r.mu.Lock()
	r.restored++
	r.mu.Unlock()
}

func (r *recordingSink) counts() (merged, dropped, restored, events int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.merged), len(r.dropped), r.restored, len(r.events)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(got []Message, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}
