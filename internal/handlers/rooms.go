package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/broker"
)

type membershipRequest struct {
	ConnectionID string `json:"connectionId"`
}

// JoinRoom adds a push connection to a room group.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, "join")
}

// LeaveRoom removes a push connection from a room group.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, "leave")
}

func (h *Handler) membership(w http.ResponseWriter, r *http.Request, action string) {
	roomID := urlParam(r, "roomid")

	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ConnectionID == "" {
		h.Error(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	var err error
	if action == "join" {
		err = h.broker.AddToGroup(r.Context(), roomID, req.ConnectionID)
	} else {
		err = h.broker.RemoveFromGroup(r.Context(), roomID, req.ConnectionID)
	}
	if errors.Is(err, broker.ErrUnknownConnection) {
		h.Error(w, http.StatusNotFound, "Connection not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Str("connection", req.ConnectionID).Msgf("failed to %s room", action)
		h.Error(w, http.StatusInternalServerError, "Failed to "+action+" room")
		return
	}
	h.JSON(w, http.StatusOK, chatsync.RoomMembershipResult{Success: true, RoomID: roomID})
}

// RoomUsersResponse lists the users present in a room.
type RoomUsersResponse struct {
	RoomID string   `json:"roomid"`
	Users  []string `json:"users"`
}

// RoomUsers handles GET /api/rooms/{roomid}/users.
func (h *Handler) RoomUsers(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		h.Error(w, http.StatusServiceUnavailable, "Presence is not available")
		return
	}
	roomID := urlParam(r, "roomid")
	users, err := h.presence.Members(r.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("failed to fetch presence")
		h.Error(w, http.StatusInternalServerError, "Failed to fetch presence")
		return
	}
	if users == nil {
		users = []string{}
	}
	h.JSON(w, http.StatusOK, RoomUsersResponse{RoomID: roomID, Users: users})
}

// CreateDMRoom handles POST /api/dm/room. The room ID is derived from the
// two user IDs, so both sides get the same room.
func (h *Handler) CreateDMRoom(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "No token provided")
		return
	}

	var req struct {
		TargetUserID string `json:"targetUserId"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.TargetUserID == "" {
		h.Error(w, http.StatusBadRequest, "Target user ID is required")
		return
	}

	h.JSON(w, http.StatusOK, chatsync.DMRoomResult{
		RoomID:  chatsync.DMRoomID(claims.UserID, req.TargetUserID),
		UserID1: claims.UserID,
		UserID2: req.TargetUserID,
	})
}
