// Package store persists chat messages, partitioned by room.
//
// Every backend orders a room by (createdAt, id). Server IDs are ULIDs, so
// ties on createdAt fall back to insertion order. Pages are read newest-first
// and returned oldest-first; the continuation token points at the next older
// page.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync-dev/chatsync"
)

var (
	ErrNotFound  = errors.New("message not found")
	ErrBadCursor = errors.New("invalid continuation token")
)

// Page is one page of room history, oldest first.
type Page struct {
	Messages          []chatsync.Message
	ContinuationToken string
}

// Store is the message store adapter used by the HTTP handlers.
type Store interface {
	// SaveMessage persists a new message. ID and CreatedAt must be set.
	SaveMessage(ctx context.Context, msg *chatsync.Message) error
	// GetMessages returns up to limit of the newest messages older than the
	// position encoded in token ("" for the newest page).
	GetMessages(ctx context.Context, roomID string, limit int, token string) (*Page, error)
	GetMessage(ctx context.Context, roomID, id string) (*chatsync.Message, error)
	// UpdateMessage overwrites an existing message, keeping its expiry.
	UpdateMessage(ctx context.Context, msg *chatsync.Message) error
	DeleteMessage(ctx context.Context, roomID, id string) error
	Close() error
}

// Sweeper is implemented by backends without native expiry. Sweep removes
// every message whose TTL elapsed before now.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// expiresAt returns when msg expires, or the zero time if it never does.
func expiresAt(msg *chatsync.Message) time.Time {
	if msg.TTL <= 0 {
		return time.Time{}
	}
	return msg.CreatedAt.Add(time.Duration(msg.TTL) * time.Second)
}

func expired(msg *chatsync.Message, now time.Time) bool {
	exp := expiresAt(msg)
	return !exp.IsZero() && !now.Before(exp)
}

// remainingTTL is what is left of msg's TTL at now. ok is false when the
// message never expires.
func remainingTTL(msg *chatsync.Message, now time.Time) (time.Duration, bool) {
	exp := expiresAt(msg)
	if exp.IsZero() {
		return 0, false
	}
	left := exp.Sub(now)
	if left < time.Second {
		left = time.Second
	}
	return left, true
}

// sortKey is the fixed-width, lexically ordered position of a message in its
// room: zero-padded unix nanos, then the ID.
func sortKey(createdAt time.Time, id string) string {
	return fmt.Sprintf("%020d:%s", createdAt.UnixNano(), id)
}

func validate(msg *chatsync.Message) error {
	if msg.ID == "" || msg.RoomID == "" || msg.CreatedAt.IsZero() {
		return fmt.Errorf("message requires id, roomid and createdAt")
	}
	return nil
}

func reverse(msgs []chatsync.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
