package broker

import (
	"errors"
	"testing"
	"time"
)

func TestParseConnectionString(t *testing.T) {
	t.Run("tolerates whitespace and case", func(t *testing.T) {
		info, err := ParseConnectionString("  endpoint=https://gw.example.com/ ;\n ACCESSKEY=abc;Version=1.0;")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Endpoint != "https://gw.example.com" {
			t.Fatalf("expected trimmed endpoint, got %q", info.Endpoint)
		}
		if info.AccessKey != "abc" {
			t.Fatalf("expected abc, got %q", info.AccessKey)
		}
	})

	for name, s := range map[string]string{
		"empty":            "",
		"missing key":      "Endpoint=https://gw.example.com;",
		"missing endpoint": "AccessKey=abc",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConnectionString(s); !errors.Is(err, ErrInvalidConnectionString) {
				t.Fatalf("expected ErrInvalidConnectionString, got %v", err)
			}
		})
	}

	t.Run("round trip", func(t *testing.T) {
		in := ConnectionInfo{Endpoint: "http://localhost:8080", AccessKey: "k"}
		out, err := ParseConnectionString(in.String())
		if err != nil || out != in {
			t.Fatalf("expected %+v, got %+v (%v)", in, out, err)
		}
	})
}

func testIssuer() *TokenIssuer {
	return NewTokenIssuer(ConnectionInfo{Endpoint: "http://gw.test", AccessKey: "secret"}, "chat")
}

func TestTokenIssuer(t *testing.T) {
	tokens := testIssuer()

	if got := tokens.ClientURL(); got != "http://gw.test/client/?hub=chat" {
		t.Fatalf("unexpected client url %q", got)
	}

	t.Run("client token", func(t *testing.T) {
		tok, err := tokens.ClientToken("u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		user, err := tokens.ValidateClientToken(tok)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user != "u1" {
			t.Fatalf("expected u1, got %q", user)
		}
	})

	t.Run("audiences do not mix", func(t *testing.T) {
		client, _ := tokens.ClientToken("u1")
		if err := tokens.ValidateServerToken(client); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for client token on server surface, got %v", err)
		}
		server, _ := tokens.ServerToken()
		if _, err := tokens.ValidateClientToken(server); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for server token on client endpoint, got %v", err)
		}
		if err := tokens.ValidateServerToken(server); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("other hub", func(t *testing.T) {
		other := NewTokenIssuer(ConnectionInfo{Endpoint: "http://gw.test", AccessKey: "secret"}, "ops")
		tok, _ := other.ClientToken("u1")
		if _, err := tokens.ValidateClientToken(tok); err == nil {
			t.Fatal("expected token for another hub to be rejected")
		}
	})

	t.Run("expired", func(t *testing.T) {
		old := testIssuer()
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		tok, _ := old.ClientToken("u1")
		if _, err := tokens.ValidateClientToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other := NewTokenIssuer(ConnectionInfo{Endpoint: "http://gw.test", AccessKey: "other"}, "chat")
		tok, _ := other.ClientToken("u1")
		if _, err := tokens.ValidateClientToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}
