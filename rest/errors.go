package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AuthError is terminal: the request was retried once after a token refresh
// and was rejected again. Callers must not retry further.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// APIError is any non-2xx response that is not an auth failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d)", e.StatusCode)
}

// MutedError reports that the backend rejected a send because the user is
// muted. Replaying the message later would be wrong, so it is never queued.
type MutedError struct {
	Message string
	Until   string
}

func (e *MutedError) Error() string {
	return e.Message
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsMuted(err error) bool {
	var me *MutedError
	return errors.As(err, &me)
}

// IsRoomUnavailable reports whether err means the target room itself cannot
// be reached (gone, or the user lost access) rather than a transient
// delivery problem. The offline queue uses it to skip a room during replay.
func IsRoomUnavailable(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusNotFound || ae.StatusCode == http.StatusForbidden ||
		ae.StatusCode == http.StatusGone
}

// parseMuted extracts a MutedError from a 403 body whose message mentions a
// mute, e.g. "You are muted until 2026-01-02 15:04".
func parseMuted(message string) *MutedError {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "mute") {
		return nil
	}
	me := &MutedError{Message: message}
	if idx := strings.Index(lower, "until"); idx >= 0 {
		me.Until = strings.TrimSpace(message[idx+len("until"):])
	}
	return me
}
