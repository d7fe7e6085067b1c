package api

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync/internal/api/middleware"
	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/broker"
	"github.com/chatsync-dev/chatsync/internal/handlers"
)

// Options wires the router. Gateway is nil when fan-out goes to an external
// gateway.
type Options struct {
	Logger   zerolog.Logger
	Handler  *handlers.Handler
	Sessions *auth.Issuer
	Limiter  *middleware.RateLimiter
	Gateway  *broker.Gateway

	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

// NewRouter creates and configures the HTTP router.
func NewRouter(o Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(middleware.TrustedRealIP(o.TrustedProxies))
	r.Use(middleware.Logger(o.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Chatsync-Signature"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	h := o.Handler
	authn := middleware.NewAuth(o.Sessions)
	limiter := o.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(0, 0, o.Logger)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(64 * 1024))
		r.Use(authn.Optional)

		r.Get("/health", h.Health)

		r.With(limiter.Limit("negotiate")).Post("/chat/negotiate", h.Negotiate)
		r.With(limiter.Limit("negotiate")).Get("/chat/negotiate", h.Negotiate)

		r.Get("/messages/{roomid}", h.GetMessages)
		r.With(limiter.Limit("POST /api/messages")).Post("/messages", h.PostMessage)

		r.Post("/rooms/{roomid}/join", h.JoinRoom)
		r.Post("/rooms/{roomid}/leave", h.LeaveRoom)
		r.Get("/rooms/{roomid}/users", h.RoomUsers)

		r.Group(func(r chi.Router) {
			r.Use(authn.RequireAuth)
			r.Patch("/messages/{messageId}", h.EditMessage)
			r.Delete("/messages/{messageId}", h.DeleteMessage)
			r.Post("/dm/room", h.CreateDMRoom)
		})
	})

	if o.Gateway != nil {
		o.Gateway.Mount(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "Not found")
	})

	return r
}
