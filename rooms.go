package chatsync

import (
	"regexp"
	"sort"
	"strings"
)

const (
	publicRoomID    = "public"
	dmRoomPrefix    = "dm-"
	groupRoomPrefix = "group-"
	roomSeparator   = "-"
)

var nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)

// PublicRoomID returns the identifier of the shared public room.
func PublicRoomID() string {
	return publicRoomID
}

// RoomIDFromName derives a slug room identifier from a display name.
// An input with no alphanumerics yields "".
func RoomIDFromName(name string) string {
	slug := strings.TrimSpace(strings.ToLower(name))
	slug = nonSlugRun.ReplaceAllString(slug, roomSeparator)
	return strings.Trim(slug, roomSeparator)
}

// DMRoomID returns the direct-message room shared by two users. The result
// does not depend on argument order.
func DMRoomID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return dmRoomPrefix + ids[0] + roomSeparator + ids[1]
}

// GroupRoomID returns the message room of a private group.
func GroupRoomID(groupID string) string {
	return groupRoomPrefix + groupID
}

func IsDMRoom(roomID string) bool {
	return strings.HasPrefix(roomID, dmRoomPrefix)
}

func IsPublicRoom(roomID string) bool {
	return roomID == publicRoomID
}

func IsGroupRoom(roomID string) bool {
	return strings.HasPrefix(roomID, groupRoomPrefix)
}

// ExtractDMParticipants reverses DMRoomID. It reports false for anything that
// is not exactly dm-<a>-<b> with both participants non-empty, which includes
// user IDs containing a separator.
func ExtractDMParticipants(roomID string) (string, string, bool) {
	if !IsDMRoom(roomID) {
		return "", "", false
	}
	parts := strings.Split(roomID, roomSeparator)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
