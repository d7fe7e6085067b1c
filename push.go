package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Broker is the realtime side of the server: it issues push credentials and
// manages room group membership for a connection. *Client satisfies it.
type Broker interface {
	Negotiate(ctx context.Context, userID string) (*NegotiateResponse, error)
	JoinRoom(ctx context.Context, roomID, connectionID string) error
	LeaveRoom(ctx context.Context, roomID, connectionID string) error
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures a PushTransport.
type PushConfig struct {
	// UserID is sent as the negotiate identity hint.
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// PushState is the push connection state.
type PushState string

const (
	StateDisconnected PushState = "disconnected"
	StateNegotiating  PushState = "negotiating"
	StateSubscribing  PushState = "subscribing"
	StateConnected    PushState = "connected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter of the base, capped at
// maxDelay. A connection that stayed up for a minute resets the sequence.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// PushTransport
// ============================================================================

// PushTransport subscribes to a room over the broadcast gateway: negotiate a
// credential, open a websocket, read the handshake for the connection ID, then
// join the room group. Events arrive as invocation frames.
type PushTransport struct {
	broker Broker
	config PushConfig
	log    zerolog.Logger
	recon  *reconnector

	mu           sync.Mutex
	state        PushState
	conn         *websocket.Conn
	connectionID string
	roomID       string
	sink         Sink
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewPushTransport creates a push transport. config may be nil.
func NewPushTransport(broker Broker, config *PushConfig) *PushTransport {
	cfg := PushConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PushTransport{
		broker: broker,
		config: cfg,
		log:    cfg.Logger.With().Str("transport", "push").Logger(),
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
	}
}

func (p *PushTransport) Name() string { return "push" }

// State returns the current connection state.
func (p *PushTransport) State() PushState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ConnectionID returns the gateway connection ID, or "" when not connected.
func (p *PushTransport) ConnectionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectionID
}

func (p *PushTransport) setState(s PushState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.log.Debug().Str("state", string(s)).Msg("state")
}

// Start subscribes to roomID. Any previous subscription is stopped first.
// Negotiate failures wrap ErrNegotiateFailed; dial, handshake and join
// failures wrap ErrSubscribeFailed.
func (p *PushTransport) Start(ctx context.Context, roomID string, sink Sink) error {
	if err := p.Stop(); err != nil {
		return err
	}

	conn, connID, err := p.open(ctx, roomID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.roomID = roomID
	p.sink = sink
	p.cancel = cancel
	p.mu.Unlock()
	p.install(conn, connID)

	p.wg.Add(1)
	go p.run(runCtx, conn)
	return nil
}

// Stop leaves the room (best effort), closes the connection and waits for the
// read loop to exit. Safe to call repeatedly.
func (p *PushTransport) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	conn, connID, roomID := p.conn, p.connectionID, p.roomID
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if conn != nil && connID != "" {
		leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.broker.LeaveRoom(leaveCtx, roomID, connID); err != nil {
			p.log.Debug().Err(err).Str("room", roomID).Msg("leave room")
		}
		done()
	}

	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	p.wg.Wait()

	p.mu.Lock()
	p.conn = nil
	p.connectionID = ""
	p.sink = nil
	p.state = StateDisconnected
	p.mu.Unlock()
	p.recon.reset()
	return nil
}

// Ping round-trips a websocket ping on the live connection.
func (p *PushTransport) Ping(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Ping(ctx)
}

// open runs negotiate, dial, handshake and join. On error the state is
// disconnected and no connection is left open.
func (p *PushTransport) open(ctx context.Context, roomID string) (*websocket.Conn, string, error) {
	p.setState(StateNegotiating)
	neg, err := p.broker.Negotiate(ctx, p.config.UserID)
	if err != nil {
		p.setState(StateDisconnected)
		return nil, "", fmt.Errorf("%w: %w", ErrNegotiateFailed, err)
	}
	if neg == nil || neg.URL == "" || neg.AccessToken == "" {
		p.setState(StateDisconnected)
		return nil, "", fmt.Errorf("%w: missing url or access token", ErrNegotiateFailed)
	}

	p.setState(StateSubscribing)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+neg.AccessToken)

	conn, _, err := websocket.Dial(ctx, websocketURL(neg.URL), &websocket.DialOptions{
		HTTPClient: p.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		p.setState(StateDisconnected)
		return nil, "", fmt.Errorf("%w: websocket dial: %w", ErrSubscribeFailed, err)
	}

	connID, err := readHandshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		p.setState(StateDisconnected)
		return nil, "", fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	if err := p.broker.JoinRoom(ctx, roomID, connID); err != nil {
		conn.Close(websocket.StatusNormalClosure, "join failed")
		p.setState(StateDisconnected)
		return nil, "", fmt.Errorf("%w: join %s: %w", ErrSubscribeFailed, roomID, err)
	}
	return conn, connID, nil
}

func readHandshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("decode handshake: %w", err)
	}
	if f.Type != FrameHandshake || f.ConnectionID == "" {
		if f.Error != "" {
			return "", fmt.Errorf("gateway refused: %s", f.Error)
		}
		return "", fmt.Errorf("expected handshake, got %q", f.Type)
	}
	return f.ConnectionID, nil
}

func (p *PushTransport) install(conn *websocket.Conn, connID string) {
	p.mu.Lock()
	p.conn = conn
	p.connectionID = connID
	p.state = StateConnected
	room := p.roomID
	p.mu.Unlock()
	p.recon.markConnected()
	p.log.Info().Str("room", room).Str("connection", connID).Msg("subscribed")
}

// run serves connections until Stop, reconnecting on drops when enabled.
func (p *PushTransport) run(ctx context.Context, conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		err := p.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		p.conn = nil
		p.connectionID = ""
		p.state = StateDisconnected
		sink := p.sink
		p.mu.Unlock()

		p.log.Warn().Err(err).Msg("connection lost")
		if sink != nil {
			sink.TransportDropped(fmt.Errorf("connection lost: %w", err))
		}

		if !p.config.AutoReconnect {
			return
		}
		conn = p.reconnect(ctx)
		if conn == nil {
			return
		}
		if sink != nil {
			sink.TransportRestored()
		}
	}
}

func (p *PushTransport) reconnect(ctx context.Context) *websocket.Conn {
	p.mu.Lock()
	roomID := p.roomID
	p.mu.Unlock()

	for p.recon.shouldReconnect() {
		delay := p.recon.nextDelay()
		p.log.Info().Int("attempt", p.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, connID, err := p.open(ctx, roomID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Msg("reconnect failed")
			continue
		}
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil
		}
		p.install(conn, connID)
		return conn
	}
	p.log.Error().Int("attempts", p.recon.attempt).Msg("giving up reconnecting")
	return nil
}

// serve reads frames from conn until it fails, with a heartbeat alongside.
func (p *PushTransport) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(connCtx, conn)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		p.dispatch(data)
	}
}

func (p *PushTransport) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		p.log.Warn().Err(err).Msg("undecodable frame")
		return
	}

	switch f.Type {
	case FrameInvocation:
		ev, err := ParseEvent(f.Scope, f.Invocation())
		if err != nil {
			p.log.Warn().Err(err).Str("target", f.Target).Msg("bad event")
			return
		}
		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()
		if sink != nil {
			sink.HandleEvent(ev)
		}
	case FrameClose:
		p.log.Info().Str("reason", f.Error).Msg("gateway closing connection")
	case FrameHandshake:
		// Only expected once, before join.
	}
}

func (p *PushTransport) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.config.HeartbeatInterval/2+time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func websocketURL(u string) string {
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
