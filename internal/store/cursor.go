package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the decoded form of a continuation token. Ordered backends use
// Key (the sortKey of the oldest message already returned); Cassandra uses
// the driver's PageState.
type Cursor struct {
	RoomID    string `json:"r"`
	Key       string `json:"k,omitempty"`
	PageState []byte `json:"p,omitempty"`
}

func EncodeCursor(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses token and checks that it belongs to roomID.
func DecodeCursor(token, roomID string) (*Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if c.RoomID != roomID {
		return nil, fmt.Errorf("%w: token is for another room", ErrBadCursor)
	}
	return &c, nil
}

// positionFrom decodes token into the exclusive upper sortKey, or "" for the
// newest page.
func positionFrom(token, roomID string) (string, error) {
	if token == "" {
		return "", nil
	}
	c, err := DecodeCursor(token, roomID)
	if err != nil {
		return "", err
	}
	if c.Key == "" {
		return "", fmt.Errorf("%w: missing position", ErrBadCursor)
	}
	return c.Key, nil
}

func tokenAt(roomID, key string) string {
	tok, _ := EncodeCursor(Cursor{RoomID: roomID, Key: key})
	return tok
}
