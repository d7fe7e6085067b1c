package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for any non-2xx HTTP response.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Identity is the user an engine acts on behalf of.
type Identity struct {
	UserID      string `json:"userId" toml:"user_id"`
	DisplayName string `json:"displayName" toml:"display_name"`
}

// ============================================================================
// Message Types
// ============================================================================

// Message type values.
const (
	MessageTypePublic = "public"
	MessageTypeDM     = "dm"
)

// Message is a persisted chat message. ID is assigned by the server; ClientID
// is the correlation ID chosen by the sender before the server ID is known.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomid"`
	Text        string     `json:"text"`
	SenderName  string     `json:"senderName"`
	SenderID    string     `json:"senderId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	IsEdited    bool       `json:"isEdited,omitempty"`
	ClientID    string     `json:"clientId,omitempty"`
	TTL         int        `json:"ttl,omitempty"`
	Type        string     `json:"type,omitempty"`
	RecipientID string     `json:"recipientId,omitempty"`
}

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	Text        string `json:"text"`
	SenderName  string `json:"senderName"`
	SenderID    string `json:"senderId,omitempty"`
	RoomID      string `json:"roomid,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	Type        string `json:"type,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// EditMessageRequest is the body of PATCH /api/messages/:messageId.
type EditMessageRequest struct {
	Text   string `json:"text"`
	RoomID string `json:"roomid"`
}

// MessageList is a page of room history, oldest first.
type MessageList struct {
	Messages          []Message `json:"messages"`
	ContinuationToken string    `json:"continuationToken,omitempty"`
}

// HistoryOptions controls history pagination.
type HistoryOptions struct {
	Limit             int
	ContinuationToken string
}

// ============================================================================
// Negotiate / Rooms
// ============================================================================

// NegotiateResponse carries the push endpoint and its access token.
type NegotiateResponse struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// RoomMembershipResult is returned by the join and leave endpoints.
type RoomMembershipResult struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomid"`
}

// DMRoomResult is returned by POST /api/dm/room.
type DMRoomResult struct {
	RoomID  string `json:"roomId"`
	UserID1 string `json:"userId1"`
	UserID2 string `json:"userId2"`
}

// RoomUsers lists the users currently joined to a room.
type RoomUsers struct {
	RoomID string   `json:"roomid"`
	Users  []string `json:"users"`
}

// HealthResult is returned by GET /api/health.
type HealthResult struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageDeletedPayload is the argument of a MessageDeleted event.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomid"`
}

// PresencePayload is the argument of UserOnline and UserOffline events.
type PresencePayload struct {
	UserID      string          `json:"userId"`
	UserProfile json.RawMessage `json:"userProfile,omitempty"`
}

// ContactRemovedPayload is the argument of a ContactRemoved event.
type ContactRemovedPayload struct {
	ContactID string `json:"contactId"`
}

// GroupMembersAddedPayload is the argument of a GroupMembersAdded event.
type GroupMembersAddedPayload struct {
	GroupID      string   `json:"groupId"`
	NewMemberIDs []string `json:"newMemberIds"`
}

// GroupMemberRemovedPayload is the argument of a GroupMemberRemoved event.
type GroupMemberRemovedPayload struct {
	GroupID  string `json:"groupId"`
	MemberID string `json:"memberId"`
}

// GroupDeletedPayload is the argument of a GroupDeleted event.
type GroupDeletedPayload struct {
	GroupID string `json:"groupId"`
}

// AvatarUpdatedPayload is the argument of an AvatarUpdated event.
type AvatarUpdatedPayload struct {
	UserID    string `json:"userId"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
