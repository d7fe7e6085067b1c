package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of a hook body.
const SignatureHeader = "X-Chatsync-Signature"

const signaturePrefix = "sha256="

// HookPayload is the body of a signed event delivery: a broker invocation
// plus the scope it was published with.
type HookPayload struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
	Scope     Scope             `json:"scope,omitempty"`
}

// SignHookBody returns the signature header value for body.
func SignHookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHookSignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifyHookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, signaturePrefix)
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseHookPayload parses a hook body into an Event.
func ParseHookPayload(body string) (Event, error) {
	var p HookPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Event{}, fmt.Errorf("invalid JSON in hook body: %w", err)
	}
	if p.Target == "" {
		return Event{}, fmt.Errorf("missing target in hook body")
	}
	scope := p.Scope
	if scope == "" {
		scope = ScopeGroup
	}
	return ParseEvent(scope, Invocation{Target: p.Target, Arguments: p.Arguments})
}

// ============================================================================
// EventHook
// ============================================================================

// EventHook receives signed server-to-server event deliveries and hands each
// verified event to a handler, typically Engine.HandleEvent.
type EventHook struct {
	secret string
	handle func(Event)
}

// NewEventHook creates a hook.
//
// Example:
//
//	hook, _ := chatsync.NewEventHook(secret, engine.HandleEvent)
//	http.Handle("/hooks/chat", hook.HTTPHandler())
func NewEventHook(secret string, handle func(Event)) (*EventHook, error) {
	if secret == "" {
		return nil, fmt.Errorf("hook secret is required")
	}
	if handle == nil {
		return nil, fmt.Errorf("hook handler is required")
	}
	return &EventHook{secret: secret, handle: handle}, nil
}

func (h *EventHook) Verify(body, signature string) bool {
	return VerifyHookSignature(body, signature, h.secret)
}

// Handle verifies, parses and dispatches one delivery, returning the status
// code and response body to write.
func (h *EventHook) Handle(body, signature string) (int, any) {
	if !h.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseHookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	h.handle(ev)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that accepts POSTed deliveries.
func (h *EventHook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeHookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeHookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := h.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeHookJSON(rw, status, data)
	})
}

func writeHookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
