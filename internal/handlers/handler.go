package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/broker"
	"github.com/chatsync-dev/chatsync/internal/metrics"
	"github.com/chatsync-dev/chatsync/internal/store"
)

// Presence lists the users connected to a room.
type Presence interface {
	Members(ctx context.Context, room string) ([]string, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.Store
	broker     broker.Broadcaster
	presence   Presence
	messageTTL time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// Deps wires a Handler. Presence may be nil when no hub runs in-process.
type Deps struct {
	Store      store.Store
	Broker     broker.Broadcaster
	Presence   Presence
	MessageTTL time.Duration
	Logger     zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:      d.Store,
		broker:     d.Broker,
		presence:   d.Presence,
		messageTTL: d.MessageTTL,
		log:        d.Logger,
		now:        time.Now,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// broadcast publishes to a room group. Failures never fail the request.
func (h *Handler) broadcast(ctx context.Context, roomID, target string, arg any) {
	inv, err := chatsync.NewInvocation(target, arg)
	if err == nil {
		err = h.broker.BroadcastToRoom(ctx, roomID, inv)
	}
	if err != nil {
		metrics.BroadcastFailures.Inc()
		h.log.Error().Err(err).Str("room", roomID).Str("target", target).Msg("broadcast failed")
	}
}

func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name
}
