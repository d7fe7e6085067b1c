package handlers

import (
	"fmt"
	"net/http"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/metrics"
)

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, chatsync.HealthResult{Status: "ok", Timestamp: h.now().UTC()})
}

// Negotiate hands out the push endpoint and an access token. Without a
// userId a throwaway "user-<millis>" identity is minted.
func (h *Handler) Negotiate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = fmt.Sprintf("user-%d", h.now().UnixMilli())
	}

	resp, err := h.broker.Negotiate(userID)
	if err != nil {
		h.log.Error().Err(err).Msg("negotiate failed")
		h.Error(w, http.StatusInternalServerError, "Failed to negotiate connection")
		return
	}
	metrics.Negotiations.Inc()
	h.JSON(w, http.StatusOK, resp)
}
