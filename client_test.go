package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Auth   string
	Body   map[string]any
}

// newAPIServer answers every request with status and body and records what
// it received.
func newAPIServer(t *testing.T, status int, body string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.EscapedPath()
		rec.Auth = r.Header.Get("Authorization")
		rec.Query = map[string]string{}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
			}
			json.Unmarshal(data, &rec.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second)), rec
}

func TestClientMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("get messages", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"messages":[{"id":"m1","roomid":"dm-a-b","text":"hi","senderName":"A","createdAt":"2026-01-01T12:00:00Z"}],"continuationToken":"next"}`)
		list, err := c.GetMessages(ctx, "dm-a-b", &HistoryOptions{Limit: 10, ContinuationToken: "abc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "GET" || rec.Path != "/api/messages/dm-a-b" {
			t.Fatalf("unexpected request %s %s", rec.Method, rec.Path)
		}
		if rec.Query["limit"] != "10" || rec.Query["continuationToken"] != "abc" {
			t.Fatalf("unexpected query: %v", rec.Query)
		}
		if len(list.Messages) != 1 || list.ContinuationToken != "next" {
			t.Fatalf("unexpected list: %+v", list)
		}
	})

	t.Run("room ID is escaped", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"messages":[]}`)
		c.GetMessages(ctx, "a b/c", nil)
		if rec.Path != "/api/messages/a%20b%2Fc" {
			t.Fatalf("unexpected path %s", rec.Path)
		}
		if len(rec.Query) != 0 {
			t.Fatalf("expected no query, got %v", rec.Query)
		}
	})

	t.Run("post message", func(t *testing.T) {
		c, rec := newAPIServer(t, 201, `{"id":"srv-1","roomid":"public","text":"hi","senderName":"A","clientId":"c1","createdAt":"2026-01-01T12:00:00Z"}`)
		m, err := c.PostMessage(ctx, &SendMessageRequest{Text: "hi", SenderName: "A", RoomID: "public", ClientID: "c1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "POST" || rec.Path != "/api/messages" || rec.Auth != "Bearer tok" {
			t.Fatalf("unexpected request %s %s auth=%q", rec.Method, rec.Path, rec.Auth)
		}
		if rec.Body["clientId"] != "c1" || rec.Body["roomid"] != "public" {
			t.Fatalf("unexpected body: %v", rec.Body)
		}
		if m.ID != "srv-1" || m.ClientID != "c1" {
			t.Fatalf("unexpected message: %+v", m)
		}
	})

	t.Run("edit message", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"id":"m1","text":"new","isEdited":true,"editedAt":"2026-01-01T12:01:00Z"}`)
		m, err := c.EditMessage(ctx, "m1", &EditMessageRequest{Text: "new", RoomID: "public"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "PATCH" || rec.Path != "/api/messages/m1" || rec.Body["text"] != "new" {
			t.Fatalf("unexpected request %s %s %v", rec.Method, rec.Path, rec.Body)
		}
		if !m.IsEdited || m.EditedAt == nil {
			t.Fatalf("expected edit markers, got %+v", m)
		}
	})

	t.Run("delete message", func(t *testing.T) {
		c, rec := newAPIServer(t, 204, ``)
		if err := c.DeleteMessage(ctx, "m1", "public"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "DELETE" || rec.Path != "/api/messages/m1" || rec.Query["roomid"] != "public" {
			t.Fatalf("unexpected request %s %s %v", rec.Method, rec.Path, rec.Query)
		}
	})
}

func TestClientRealtime(t *testing.T) {
	ctx := context.Background()

	t.Run("negotiate with user", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"url":"http://gw/client/?hub=chat","accessToken":"jwt"}`)
		neg, err := c.Negotiate(ctx, "u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "POST" || rec.Path != "/api/chat/negotiate" || rec.Query["userId"] != "u1" {
			t.Fatalf("unexpected request %s %s %v", rec.Method, rec.Path, rec.Query)
		}
		if neg.URL == "" || neg.AccessToken != "jwt" {
			t.Fatalf("unexpected response: %+v", neg)
		}
	})

	t.Run("negotiate anonymous", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"url":"u","accessToken":"t"}`)
		c.Negotiate(ctx, "")
		if _, ok := rec.Query["userId"]; ok {
			t.Fatal("expected no userId hint")
		}
	})

	t.Run("join room", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"success":true,"roomid":"public"}`)
		if err := c.JoinRoom(ctx, "public", "conn-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Path != "/api/rooms/public/join" || rec.Body["connectionId"] != "conn-1" {
			t.Fatalf("unexpected request %s %v", rec.Path, rec.Body)
		}
	})

	t.Run("leave rejected", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"success":false,"roomid":"public"}`)
		if err := c.LeaveRoom(ctx, "public", "conn-1"); err == nil {
			t.Fatal("expected error for unsuccessful leave")
		}
		if rec.Path != "/api/rooms/public/leave" {
			t.Fatalf("unexpected path %s", rec.Path)
		}
	})
}

func TestClientRooms(t *testing.T) {
	ctx := context.Background()

	t.Run("room users", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"roomid":"public","users":["u1","u2"]}`)
		res, err := c.RoomUsers(ctx, "public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Method != "GET" || rec.Path != "/api/rooms/public/users" {
			t.Fatalf("unexpected request %s %s", rec.Method, rec.Path)
		}
		if len(res.Users) != 2 {
			t.Fatalf("unexpected users: %v", res.Users)
		}
	})

	t.Run("create dm room", func(t *testing.T) {
		c, rec := newAPIServer(t, 200, `{"roomId":"dm-u1-u2","userId1":"u1","userId2":"u2"}`)
		res, err := c.CreateDMRoom(ctx, "u2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Path != "/api/dm/room" || rec.Body["targetUserId"] != "u2" {
			t.Fatalf("unexpected request %s %v", rec.Path, rec.Body)
		}
		if res.RoomID != DMRoomID("u2", "u1") {
			t.Fatalf("unexpected room %q", res.RoomID)
		}
	})

	t.Run("health", func(t *testing.T) {
		c, _ := newAPIServer(t, 200, `{"status":"ok","timestamp":"2026-01-01T12:00:00Z"}`)
		h, err := c.Health(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Status != "ok" || !h.Timestamp.Equal(at(0)) {
			t.Fatalf("unexpected health: %+v", h)
		}
	})
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("api error body", func(t *testing.T) {
		c, _ := newAPIServer(t, 403, `{"error":"Forbidden"}`)
		_, err := c.EditMessage(ctx, "m1", &EditMessageRequest{Text: "x", RoomID: "public"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %T %v", err, err)
		}
		if apiErr.Status != 403 || apiErr.Message != "Forbidden" {
			t.Fatalf("unexpected error: %+v", apiErr)
		}
	})

	t.Run("non JSON error body", func(t *testing.T) {
		c, _ := newAPIServer(t, 502, `<html>bad gateway</html>`)
		_, err := c.Health(ctx)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "Bad Gateway" {
			t.Fatalf("expected status text fallback, got %v", err)
		}
	})

	t.Run("undecodable success body", func(t *testing.T) {
		c, _ := newAPIServer(t, 200, `not json`)
		if _, err := c.Health(ctx); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := NewClient("", WithBaseURL("http://127.0.0.1:1"))
		if _, err := c.Health(ctx); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestClientOptions(t *testing.T) {
	c := NewClient("", WithBaseURL("http://example.com///"), WithToken("later"))
	if c.BaseURL() != "http://example.com" {
		t.Fatalf("expected trailing slashes trimmed, got %q", c.BaseURL())
	}
	if c.token != "later" {
		t.Fatalf("expected token option applied, got %q", c.token)
	}
	c.SetToken("")
	if c.token != "" {
		t.Fatal("expected token cleared")
	}
}
