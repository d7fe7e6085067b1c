// Package broker is the broadcast gateway: it mints push credentials, keeps
// websocket connections grouped by room and user, and fans invocations out to
// them. The REST surface and token audiences follow the managed pub/sub
// service the chat server was written against, so Client can talk to either
// this gateway or that service.
package broker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidConnectionString = errors.New("invalid connection string")
	ErrUnknownConnection       = errors.New("unknown connection")
	ErrInvalidToken            = errors.New("invalid token")
)

var whitespace = regexp.MustCompile(`\s+`)

// ConnectionInfo is a parsed "Endpoint=...;AccessKey=..." string.
type ConnectionInfo struct {
	Endpoint  string
	AccessKey string
}

// ParseConnectionString parses a gateway connection string. Keys are case
// insensitive, unknown keys are ignored and any whitespace (including
// newlines pasted into an env var) is removed first.
func ParseConnectionString(s string) (ConnectionInfo, error) {
	var info ConnectionInfo
	for _, part := range strings.Split(whitespace.ReplaceAllString(s, ""), ";") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch strings.ToLower(key) {
		case "endpoint":
			info.Endpoint = strings.TrimRight(value, "/")
		case "accesskey":
			info.AccessKey = value
		}
	}
	if info.Endpoint == "" || info.AccessKey == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: missing Endpoint or AccessKey", ErrInvalidConnectionString)
	}
	return info, nil
}

// String formats info back into a connection string.
func (c ConnectionInfo) String() string {
	return fmt.Sprintf("Endpoint=%s;AccessKey=%s;Version=1.0;", c.Endpoint, c.AccessKey)
}
