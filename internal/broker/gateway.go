package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/auth"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames and close messages.
	maxMessageSize = 4096
)

// Gateway serves the client websocket endpoint and the server REST surface
// for one hub.
type Gateway struct {
	hub      *Hub
	tokens   *TokenIssuer
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewGateway(hub *Hub, tokens *TokenIssuer, log zerolog.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "gateway").Logger(),
	}
}

// Mount registers the gateway routes on r.
func (g *Gateway) Mount(r chi.Router) {
	r.Get("/client/", g.serveClient)
	r.Route("/api/v1/hubs/{hub}", func(r chi.Router) {
		r.Use(g.requireHub, g.requireServerToken)
		r.Post("/", g.publishAll)
		r.Post("/groups/{group}", g.publishGroup)
		r.Post("/users/{user}", g.publishUser)
		r.Put("/groups/{group}/connections/{conn}", g.addConnection)
		r.Delete("/groups/{group}/connections/{conn}", g.removeConnection)
	})
}

// ============================================================================
// Client websocket
// ============================================================================

func (g *Gateway) serveClient(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("hub") != g.hub.Name() {
		http.Error(w, "unknown hub", http.StatusNotFound)
		return
	}
	token := auth.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	userID, err := g.tokens.ValidateClientToken(token)
	if err != nil {
		g.log.Debug().Err(err).Msg("rejected client token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := g.hub.Register(r.Context(), userID)
	p := &pump{hub: g.hub, conn: c, ws: ws, log: g.log}
	go p.write()
	go p.read()
}

type pump struct {
	hub  *Hub
	conn *Conn
	ws   *websocket.Conn
	log  zerolog.Logger
}

// read discards client payloads; it exists to notice pongs and closes.
func (p *pump) read() {
	defer func() {
		p.hub.Unregister(context.Background(), p.conn)
		p.ws.Close()
	}()
	p.ws.SetReadLimit(maxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := p.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.log.Warn().Err(err).Str("connection", p.conn.ID).Msg("read failed")
			}
			return
		}
	}
}

// write sends one frame per websocket message, plus periodic pings.
func (p *pump) write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-p.conn.Send():
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ============================================================================
// Server REST surface
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) requireHub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "hub") != g.hub.Name() {
			writeError(w, http.StatusNotFound, "unknown hub")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) requireServerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.tokens.ValidateServerToken(auth.BearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid server token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func (g *Gateway) publish(w http.ResponseWriter, r *http.Request, audience Audience, name string) {
	var inv chatsync.Invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil || inv.Target == "" {
		writeError(w, http.StatusBadRequest, "body must be {target, arguments}")
		return
	}
	if err := g.hub.Publish(r.Context(), Envelope{Audience: audience, Name: name, Invocation: inv}); err != nil {
		g.log.Error().Err(err).Msg("publish failed")
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) publishAll(w http.ResponseWriter, r *http.Request) {
	g.publish(w, r, AudienceAll, "")
}

func (g *Gateway) publishGroup(w http.ResponseWriter, r *http.Request) {
	g.publish(w, r, AudienceGroup, param(r, "group"))
}

func (g *Gateway) publishUser(w http.ResponseWriter, r *http.Request) {
	g.publish(w, r, AudienceUser, param(r, "user"))
}

func (g *Gateway) addConnection(w http.ResponseWriter, r *http.Request) {
	g.membership(w, r, g.hub.AddToGroup)
}

func (g *Gateway) removeConnection(w http.ResponseWriter, r *http.Request) {
	g.membership(w, r, g.hub.RemoveFromGroup)
}

func (g *Gateway) membership(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	err := op(r.Context(), param(r, "group"), param(r, "conn"))
	switch {
	case errors.Is(err, ErrUnknownConnection):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		g.log.Error().Err(err).Msg("group membership change failed")
		writeError(w, http.StatusInternalServerError, "membership change failed")
	default:
		w.WriteHeader(http.StatusOK)
	}
}
