package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chatsync-dev/chatsync"
)

// Broadcaster is what the chat API needs from a gateway: push credentials,
// fan-out and group membership.
type Broadcaster interface {
	Negotiate(userID string) (*chatsync.NegotiateResponse, error)
	BroadcastToRoom(ctx context.Context, room string, inv chatsync.Invocation) error
	BroadcastToAll(ctx context.Context, inv chatsync.Invocation) error
	SendToUser(ctx context.Context, userID string, inv chatsync.Invocation) error
	AddToGroup(ctx context.Context, room, connID string) error
	RemoveFromGroup(ctx context.Context, room, connID string) error
}

func negotiate(tokens *TokenIssuer, userID string) (*chatsync.NegotiateResponse, error) {
	token, err := tokens.ClientToken(userID)
	if err != nil {
		return nil, fmt.Errorf("sign client token: %w", err)
	}
	return &chatsync.NegotiateResponse{URL: tokens.ClientURL(), AccessToken: token}, nil
}

// ============================================================================
// REST client
// ============================================================================

// Client talks to a gateway over its REST surface with server tokens.
type Client struct {
	tokens     *TokenIssuer
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient parses connectionString and returns a client for hub.
func NewClient(connectionString, hub string, opts ...ClientOption) (*Client, error) {
	info, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	c := &Client{
		tokens:     NewTokenIssuer(info, hub),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Negotiate(userID string) (*chatsync.NegotiateResponse, error) {
	return negotiate(c.tokens, userID)
}

func (c *Client) BroadcastToRoom(ctx context.Context, room string, inv chatsync.Invocation) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(room), inv)
}

func (c *Client) BroadcastToAll(ctx context.Context, inv chatsync.Invocation) error {
	return c.do(ctx, http.MethodPost, "", inv)
}

func (c *Client) SendToUser(ctx context.Context, userID string, inv chatsync.Invocation) error {
	return c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID), inv)
}

func (c *Client) AddToGroup(ctx context.Context, room, connID string) error {
	return c.membership(ctx, http.MethodPut, room, connID)
}

func (c *Client) RemoveFromGroup(ctx context.Context, room, connID string) error {
	return c.membership(ctx, http.MethodDelete, room, connID)
}

// membership maps the gateway's 404 to ErrUnknownConnection.
func (c *Client) membership(ctx context.Context, method, room, connID string) error {
	err := c.do(ctx, method, "/groups/"+url.PathEscape(room)+"/connections/"+url.PathEscape(connID), nil)
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrUnknownConnection, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	token, err := c.tokens.ServerToken()
	if err != nil {
		return fmt.Errorf("sign server token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.tokens.ServerAudience()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &chatsync.APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return nil
}

// ============================================================================
// In-process
// ============================================================================

// Local drives a hub in the same process, skipping the REST hop.
type Local struct {
	hub    *Hub
	tokens *TokenIssuer
}

func NewLocal(hub *Hub, tokens *TokenIssuer) *Local {
	return &Local{hub: hub, tokens: tokens}
}

func (l *Local) Negotiate(userID string) (*chatsync.NegotiateResponse, error) {
	return negotiate(l.tokens, userID)
}

func (l *Local) BroadcastToRoom(ctx context.Context, room string, inv chatsync.Invocation) error {
	return l.hub.Publish(ctx, Envelope{Audience: AudienceGroup, Name: room, Invocation: inv})
}

func (l *Local) BroadcastToAll(ctx context.Context, inv chatsync.Invocation) error {
	return l.hub.Publish(ctx, Envelope{Audience: AudienceAll, Invocation: inv})
}

func (l *Local) SendToUser(ctx context.Context, userID string, inv chatsync.Invocation) error {
	return l.hub.Publish(ctx, Envelope{Audience: AudienceUser, Name: userID, Invocation: inv})
}

func (l *Local) AddToGroup(ctx context.Context, room, connID string) error {
	return l.hub.AddToGroup(ctx, room, connID)
}

func (l *Local) RemoveFromGroup(ctx context.Context, room, connID string) error {
	return l.hub.RemoveFromGroup(ctx, room, connID)
}
