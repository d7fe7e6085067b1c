package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync"
)

// startGateway serves a hub on an httptest server and returns a REST client
// configured against it.
func startGateway(t *testing.T, opts ...HubOption) (*Hub, *Client, *httptest.Server) {
	t.Helper()
	r := chi.NewRouter()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	info := ConnectionInfo{Endpoint: srv.URL, AccessKey: "secret"}
	hub, err := NewHub("chat", opts...)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	NewGateway(hub, NewTokenIssuer(info, "chat"), zerolog.Nop()).Mount(r)

	client, err := NewClient(info.String(), "chat")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return hub, client, srv
}

func dial(t *testing.T, client *Client, userID string) *websocket.Conn {
	t.Helper()
	neg, err := client.Negotiate(userID)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(neg.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + neg.AccessToken}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) chatsync.Frame {
	t.Helper()
	for {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f chatsync.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if f.Target == chatsync.TargetUserOnline {
			continue
		}
		return f
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	ctx := context.Background()
	_, client, _ := startGateway(t)
	ws := dial(t, client, "u1")

	hs := readFrame(t, ws)
	if hs.Type != chatsync.FrameHandshake || hs.ConnectionID == "" {
		t.Fatalf("expected handshake with connection id, got %+v", hs)
	}

	if err := client.AddToGroup(ctx, "dm-u1-u2", hs.ConnectionID); err != nil {
		t.Fatalf("add to group: %v", err)
	}

	inv, _ := chatsync.NewInvocation(chatsync.TargetReceiveMessage, chatsync.Message{ID: "m1", RoomID: "dm-u1-u2", Text: "hi"})
	if err := client.BroadcastToRoom(ctx, "dm-u1-u2", inv); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	f := readFrame(t, ws)
	if f.Target != chatsync.TargetReceiveMessage || f.Scope != chatsync.ScopeGroup {
		t.Fatalf("expected group ReceiveMessage, got %+v", f)
	}

	del, _ := chatsync.NewInvocation(chatsync.TargetMessageDeleted, chatsync.MessageDeletedPayload{MessageID: "m1"})
	if err := client.SendToUser(ctx, "u1", del); err != nil {
		t.Fatalf("send to user: %v", err)
	}
	if f := readFrame(t, ws); f.Target != chatsync.TargetMessageDeleted || f.Scope != chatsync.ScopeServer {
		t.Fatalf("expected server MessageDeleted, got %+v", f)
	}
}

func TestGatewayRejectsBadClientToken(t *testing.T) {
	_, _, srv := startGateway(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/client/?hub=chat"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer nope"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestGatewayRESTAuth(t *testing.T) {
	_, _, srv := startGateway(t)

	resp, err := http.Post(srv.URL+"/api/v1/hubs/chat", "application/json", strings.NewReader(`{"target":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/v1/hubs/other", "application/json", strings.NewReader(`{"target":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hub, got %d", resp.StatusCode)
	}
}

func TestClientUnknownConnection(t *testing.T) {
	_, client, _ := startGateway(t)
	err := client.AddToGroup(context.Background(), "public", "missing")
	var apiErr *chatsync.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	if err := client.RemoveFromGroup(context.Background(), "public", "missing"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection on leave, got %v", err)
	}
}

func TestClientRejectsBadConnectionString(t *testing.T) {
	if _, err := NewClient("Endpoint=;", "chat"); !errors.Is(err, ErrInvalidConnectionString) {
		t.Fatalf("expected ErrInvalidConnectionString, got %v", err)
	}
}

func TestHookForwarding(t *testing.T) {
	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 1)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !chatsync.VerifyHookSignature(string(body), r.Header.Get(chatsync.SignatureHeader), "hook-secret") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ev, err := chatsync.ParseHookPayload(string(body))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, ev.Target)
		mu.Unlock()
		received <- struct{}{}
	}))
	defer hookSrv.Close()

	hooks := NewHookForwarder([]string{hookSrv.URL}, "hook-secret", zerolog.Nop())
	_, client, _ := startGateway(t, WithHooks(hooks))

	inv, _ := chatsync.NewInvocation(chatsync.TargetGroupDeleted, chatsync.GroupDeletedPayload{GroupID: "g1"})
	if err := client.BroadcastToAll(context.Background(), inv); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != chatsync.TargetGroupDeleted {
		t.Fatalf("expected [GroupDeleted], got %v", got)
	}
}
