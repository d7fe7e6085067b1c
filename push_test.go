package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Gateway
// ============================================================================

// testGateway accepts websocket clients, greets each with a handshake frame
// and hands the server side of the connection to the test.
type testGateway struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	seq   atomic.Int32
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	g := &testGateway{conns: make(chan *websocket.Conn, 4)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		id := fmt.Sprintf("conn-%d", g.seq.Add(1))
		hs, _ := json.Marshal(Frame{Type: FrameHandshake, ConnectionID: id})
		if err := c.Write(r.Context(), websocket.MessageText, hs); err != nil {
			return
		}
		g.conns <- c
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a gateway connection")
		return nil
	}
}

func (g *testGateway) send(t *testing.T, c *websocket.Conn, target string, arg any) {
	t.Helper()
	inv, err := NewInvocation(target, arg)
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	data, _ := json.Marshal(Frame{Type: FrameInvocation, Scope: ScopeGroup, Target: inv.Target, Arguments: inv.Arguments})
	if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// fakeBroker negotiates against a testGateway and records room membership.
type fakeBroker struct {
	mu      sync.Mutex
	url     string
	negErr  error
	joinErr error
	joins   []string
	leaves  []string
}

func (b *fakeBroker) Negotiate(ctx context.Context, userID string) (*NegotiateResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.negErr != nil {
		return nil, b.negErr
	}
	return &NegotiateResponse{URL: b.url, AccessToken: "test-token"}, nil
}

func (b *fakeBroker) JoinRoom(ctx context.Context, roomID, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joinErr != nil {
		return b.joinErr
	}
	b.joins = append(b.joins, roomID+"/"+connectionID)
	return nil
}

func (b *fakeBroker) LeaveRoom(ctx context.Context, roomID, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves = append(b.leaves, roomID+"/"+connectionID)
	return nil
}

func (b *fakeBroker) membership() (joins, leaves []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.joins...), append([]string(nil), b.leaves...)
}

// ============================================================================
// Tests
// ============================================================================

func TestPushTransportDeliversEvents(t *testing.T) {
	gw := newTestGateway(t)
	broker := &fakeBroker{url: gw.srv.URL + "/client/?hub=chat"}
	push := NewPushTransport(broker, &PushConfig{UserID: "u1"})
	e := NewEngine(newMemoryAPI(), push, Identity{UserID: "u1"})

	if err := e.Connect(context.Background(), "public"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := gw.next(t)

	if push.State() != StateConnected || push.ConnectionID() != "conn-1" {
		t.Fatalf("expected connected as conn-1, got %s %q", push.State(), push.ConnectionID())
	}
	if joins, _ := broker.membership(); len(joins) != 1 || joins[0] != "public/conn-1" {
		t.Fatalf("expected join of public/conn-1, got %v", joins)
	}
	if err := push.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	var mu sync.Mutex
	var unknown []string
	e.OnEvent(EventUnknown, func(ev Event) {
		mu.Lock()
		unknown = append(unknown, ev.Target)
		mu.Unlock()
	})

	gw.send(t, conn, TargetReceiveMessage, msg("m1", "public", 1))
	gw.send(t, conn, TargetReceiveMessage, msg("m1", "public", 1))
	gw.send(t, conn, TargetReceiveMessage, msg("m0", "public", 0))
	if !eventually(func() bool { return len(e.Messages()) == 2 }) {
		t.Fatalf("expected 2 messages, got %d", len(e.Messages()))
	}
	if got := e.Messages(); !equalIDs(got, "m0", "m1") {
		t.Fatalf("expected [m0 m1], got %v", ids(got))
	}

	gw.send(t, conn, TargetMessageDeleted, MessageDeletedPayload{MessageID: "m1", RoomID: "public"})
	gw.send(t, conn, "FutureEvent", map[string]string{"k": "v"})
	if !eventually(func() bool { return len(e.Messages()) == 1 }) {
		t.Fatalf("expected deletion applied, got %v", ids(e.Messages()))
	}
	if !eventually(func() bool { mu.Lock(); defer mu.Unlock(); return len(unknown) == 1 }) {
		t.Fatal("expected unknown target surfaced to observers")
	}

	e.Disconnect()
	if _, leaves := broker.membership(); len(leaves) != 1 || leaves[0] != "public/conn-1" {
		t.Fatalf("expected leave of public/conn-1, got %v", leaves)
	}
	if push.State() != StateDisconnected || push.ConnectionID() != "" {
		t.Fatalf("expected disconnected, got %s %q", push.State(), push.ConnectionID())
	}
	if err := push.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPushTransportFailures(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name   string
		broker *fakeBroker
		want   error
	}{
		{name: "negotiate error", broker: &fakeBroker{negErr: errBackend}, want: ErrNegotiateFailed},
		{name: "missing endpoint", broker: &fakeBroker{}, want: ErrNegotiateFailed},
		{name: "unreachable endpoint", broker: &fakeBroker{url: "http://127.0.0.1:1/client/"}, want: ErrSubscribeFailed},
		{name: "join rejected", broker: &fakeBroker{url: gw.srv.URL + "/client/", joinErr: errBackend}, want: ErrSubscribeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			push := NewPushTransport(tt.broker, nil)
			e := NewEngine(newMemoryAPI(), push, Identity{UserID: "u1"})

			err := e.Connect(context.Background(), "public")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if e.Connected() || push.State() != StateDisconnected {
				t.Fatalf("expected disconnected, got engine=%v push=%s", e.Connected(), push.State())
			}
		})
	}
}

func TestPushTransportReconnect(t *testing.T) {
	gw := newTestGateway(t)
	broker := &fakeBroker{url: gw.srv.URL + "/client/"}
	push := NewPushTransport(broker, &PushConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	e := NewEngine(newMemoryAPI(), push, Identity{UserID: "u1"})

	var mu sync.Mutex
	var transitions []bool
	e.OnConnection(func(connected bool, err error) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	if err := e.Connect(context.Background(), "public"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer e.Disconnect()
	first := gw.next(t)
	gw.send(t, first, TargetReceiveMessage, msg("m1", "public", 1))
	if !eventually(func() bool { return e.Known("m1") }) {
		t.Fatal("expected m1 merged")
	}

	first.Close(websocket.StatusGoingAway, "gateway restart")
	second := gw.next(t)

	if !eventually(func() bool { return e.Connected() && push.ConnectionID() == "conn-2" }) {
		t.Fatalf("expected reconnect as conn-2, got %q", push.ConnectionID())
	}
	if !e.Known("m1") || len(e.Messages()) != 1 {
		t.Fatal("expected the view to survive a transport drop")
	}
	if joins, _ := broker.membership(); len(joins) != 2 || joins[1] != "public/conn-2" {
		t.Fatalf("expected rejoin as conn-2, got %v", joins)
	}

	gw.send(t, second, TargetReceiveMessage, msg("m2", "public", 2))
	if !eventually(func() bool { return len(e.Messages()) == 2 }) {
		t.Fatal("expected delivery on the new connection")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestPushTransportNoReconnect(t *testing.T) {
	gw := newTestGateway(t)
	push := NewPushTransport(&fakeBroker{url: gw.srv.URL + "/client/"}, nil)
	e := NewEngine(newMemoryAPI(), push, Identity{})

	if err := e.Connect(context.Background(), "public"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer e.Disconnect()
	gw.next(t).Close(websocket.StatusGoingAway, "bye")

	if !eventually(func() bool { return !e.Connected() }) {
		t.Fatal("expected drop to be reported")
	}
	if e.Err() == nil {
		t.Fatal("expected drop error recorded")
	}
	time.Sleep(50 * time.Millisecond)
	if e.Connected() || push.State() != StateDisconnected {
		t.Fatal("expected to stay disconnected without auto-reconnect")
	}
}

func TestReconnectorDelay(t *testing.T) {
	r := newReconnector(&PushConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("expected attempt %d allowed", i)
		}
		d := r.nextDelay()
		if d > time.Second {
			t.Fatalf("expected delay capped at 1s, got %s", d)
		}
		if d < prev && d != time.Second {
			t.Fatalf("expected growing delays, got %s after %s", d, prev)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}

	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("expected reset to allow attempts again")
	}

	unlimited := newReconnector(&PushConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	if !unlimited.shouldReconnect() {
		t.Fatal("expected negative max attempts to mean unlimited")
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080/client/?hub=chat": "ws://localhost:8080/client/?hub=chat",
		"https://chat.example.com/client/":       "wss://chat.example.com/client/",
		"ws://already/":                          "ws://already/",
	}
	for in, want := range tests {
		if got := websocketURL(in); got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
