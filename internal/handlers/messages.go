package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/metrics"
	"github.com/chatsync-dev/chatsync/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxMessageLength    = 4000
)

// GetMessages handles GET /api/messages/{roomid}.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := urlParam(r, "roomid")

	limit := defaultHistoryLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxHistoryLimit)
	}

	page, err := h.store.GetMessages(r.Context(), roomID, limit, r.URL.Query().Get("continuationToken"))
	if errors.Is(err, store.ErrBadCursor) {
		h.Error(w, http.StatusBadRequest, "Invalid continuation token")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("failed to get messages")
		h.Error(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	msgs := page.Messages
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	h.JSON(w, http.StatusOK, chatsync.MessageList{Messages: msgs, ContinuationToken: page.ContinuationToken})
}

func roomType(roomID string) string {
	switch {
	case chatsync.IsDMRoom(roomID):
		return "dm"
	case chatsync.IsGroupRoom(roomID):
		return "group"
	default:
		return "public"
	}
}

// PostMessage handles POST /api/messages: persist, then broadcast
// ReceiveMessage to the room.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req chatsync.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		h.Error(w, http.StatusBadRequest, "Message text is required")
		return
	}
	if len(text) > maxMessageLength {
		h.Error(w, http.StatusBadRequest, "Message text is too long")
		return
	}
	senderName := sanitizeName(req.SenderName)
	if senderName == "" {
		h.Error(w, http.StatusBadRequest, "Sender name is required")
		return
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = chatsync.PublicRoomID()
	}

	msg := &chatsync.Message{
		ID:          ulid.Make().String(),
		RoomID:      roomID,
		Text:        text,
		SenderName:  senderName,
		SenderID:    req.SenderID,
		CreatedAt:   h.now().UTC().Truncate(time.Millisecond),
		ClientID:    req.ClientID,
		Type:        req.Type,
		RecipientID: req.RecipientID,
		TTL:         int(h.messageTTL / time.Second),
	}
	if chatsync.IsDMRoom(roomID) {
		msg.Type = chatsync.MessageTypeDM
		if msg.RecipientID == "" {
			if a, b, ok := chatsync.ExtractDMParticipants(roomID); ok {
				msg.RecipientID = a
				if a == msg.SenderID {
					msg.RecipientID = b
				}
			}
		}
	} else if msg.Type == "" {
		msg.Type = chatsync.MessageTypePublic
	}

	if err := h.store.SaveMessage(r.Context(), msg); err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("failed to save message")
		h.Error(w, http.StatusInternalServerError, "Failed to send message")
		return
	}
	metrics.MessagesPosted.WithLabelValues(roomType(roomID)).Inc()

	h.broadcast(r.Context(), roomID, chatsync.TargetReceiveMessage, msg)
	h.JSON(w, http.StatusCreated, msg)
}

// loadOwned fetches a message the caller may modify: admins may touch any
// message, other users only their own.
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request, roomID string) (*chatsync.Message, bool) {
	if roomID == "" {
		h.Error(w, http.StatusBadRequest, "roomid is required")
		return nil, false
	}
	msg, err := h.store.GetMessage(r.Context(), roomID, urlParam(r, "messageId"))
	if errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "Message not found")
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load message")
		h.Error(w, http.StatusInternalServerError, "Failed to load message")
		return nil, false
	}

	claims := auth.FromContext(r.Context())
	if claims == nil || (!claims.Privileged() && (msg.SenderID == "" || claims.UserID != msg.SenderID)) {
		h.Error(w, http.StatusForbidden, "Not authorized to modify this message")
		return nil, false
	}
	return msg, true
}

// EditMessage handles PATCH /api/messages/{messageId}.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req chatsync.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		h.Error(w, http.StatusBadRequest, "Message text is required")
		return
	}

	msg, ok := h.loadOwned(w, r, req.RoomID)
	if !ok {
		return
	}

	editedAt := h.now().UTC().Truncate(time.Millisecond)
	msg.Text = text
	msg.IsEdited = true
	msg.EditedAt = &editedAt

	if err := h.store.UpdateMessage(r.Context(), msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Message not found")
			return
		}
		h.log.Error().Err(err).Str("message", msg.ID).Msg("failed to edit message")
		h.Error(w, http.StatusInternalServerError, "Failed to edit message")
		return
	}
	metrics.MessagesEdited.Inc()

	h.broadcast(r.Context(), msg.RoomID, chatsync.TargetMessageEdited, msg)
	h.JSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /api/messages/{messageId}?roomid=.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.loadOwned(w, r, r.URL.Query().Get("roomid"))
	if !ok {
		return
	}

	if err := h.store.DeleteMessage(r.Context(), msg.RoomID, msg.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error().Err(err).Str("message", msg.ID).Msg("failed to delete message")
		h.Error(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}
	metrics.MessagesDeleted.Inc()

	h.broadcast(r.Context(), msg.RoomID, chatsync.TargetMessageDeleted, chatsync.MessageDeletedPayload{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
	})
	w.WriteHeader(http.StatusNoContent)
}
