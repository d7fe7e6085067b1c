// Package chatsync is the client SDK for the chatsync messaging service.
//
// It covers the REST API, room identifiers, and a synchronization engine that
// keeps a deduplicated, time-ordered view of one room current over either a
// push (websocket) or a poll transport.
//
// Example:
//
//	client := chatsync.NewClient("", chatsync.WithBaseURL("http://localhost:8080"))
//	me := chatsync.Identity{UserID: "u1", DisplayName: "Alice"}
//
//	engine := chatsync.NewEngine(client, chatsync.NewPollTransport(client, nil), me)
//	engine.OnChange(func(view []chatsync.Message) { render(view) })
//
//	_ = engine.Connect(ctx, chatsync.PublicRoomID())
//	_, _ = engine.LoadHistory(ctx, chatsync.PublicRoomID(), 50)
//	_, _ = engine.SendMessage(ctx, "hello", "", "", "")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chatsync REST API. It satisfies both MessageAPI and
// Broker.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client. token is the session bearer token and may be
// empty; only privileged and DM endpoints require it.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Service
// ============================================================================

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	data, err := c.doRequest(ctx, "GET", "/api/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthResult](data)
}

// ============================================================================
// Messages
// ============================================================================

// GetMessages fetches a page of room history, oldest first.
func (c *Client) GetMessages(ctx context.Context, roomID string, opts *HistoryOptions) (*MessageList, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.ContinuationToken != "" {
			query["continuationToken"] = opts.ContinuationToken
		}
	}
	data, err := c.doRequest(ctx, "GET", "/api/messages/"+url.PathEscape(roomID), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessageList](data)
}

// PostMessage persists a message and returns it with its server ID.
func (c *Client) PostMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// EditMessage replaces a message's text. Requires the sender's or an admin token.
func (c *Client) EditMessage(ctx context.Context, messageID string, req *EditMessageRequest) (*Message, error) {
	data, err := c.doRequest(ctx, "PATCH", "/api/messages/"+url.PathEscape(messageID), req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// DeleteMessage removes a message. Requires the sender's or an admin token.
func (c *Client) DeleteMessage(ctx context.Context, messageID, roomID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/messages/"+url.PathEscape(messageID), nil, map[string]string{"roomid": roomID})
	return err
}

// ============================================================================
// Realtime
// ============================================================================

// Negotiate obtains the push endpoint and an access token for userID. An
// empty userID lets the server pick one.
func (c *Client) Negotiate(ctx context.Context, userID string) (*NegotiateResponse, error) {
	var query map[string]string
	if userID != "" {
		query = map[string]string{"userId": userID}
	}
	data, err := c.doRequest(ctx, "POST", "/api/chat/negotiate", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[NegotiateResponse](data)
}

// JoinRoom adds a push connection to a room group.
func (c *Client) JoinRoom(ctx context.Context, roomID, connectionID string) error {
	return c.membership(ctx, "join", roomID, connectionID)
}

// LeaveRoom removes a push connection from a room group.
func (c *Client) LeaveRoom(ctx context.Context, roomID, connectionID string) error {
	return c.membership(ctx, "leave", roomID, connectionID)
}

func (c *Client) membership(ctx context.Context, action, roomID, connectionID string) error {
	data, err := c.doRequest(ctx, "POST", "/api/rooms/"+url.PathEscape(roomID)+"/"+action,
		map[string]string{"connectionId": connectionID}, nil)
	if err != nil {
		return err
	}
	res, err := decodeJSON[RoomMembershipResult](data)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s room %s: rejected", action, roomID)
	}
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// RoomUsers returns the users with a push connection joined to roomID.
func (c *Client) RoomUsers(ctx context.Context, roomID string) (*RoomUsers, error) {
	data, err := c.doRequest(ctx, "GET", "/api/rooms/"+url.PathEscape(roomID)+"/users", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RoomUsers](data)
}

// CreateDMRoom resolves the DM room between the token's user and targetUserID.
func (c *Client) CreateDMRoom(ctx context.Context, targetUserID string) (*DMRoomResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/dm/room", map[string]string{"targetUserId": targetUserID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DMRoomResult](data)
}
