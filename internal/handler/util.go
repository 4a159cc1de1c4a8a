// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/internal/store"
)

// SessionProvider hands out the realtime hub of a signed-in user. The hub
// stays live until release is called.
type SessionProvider interface {
	Acquire(ctx context.Context, userID string) (hub *realtime.Hub, release func(), err error)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps realtime and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, realtime.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, realtime.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, realtime.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrChannelOpenFailed),
		errors.Is(err, realtime.ErrHistoryLoadFailed),
		errors.Is(err, realtime.ErrPersistenceFailed),
		errors.Is(err, realtime.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the matching status. Internal errors are not
// echoed to the client.
func writeFailure(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, err.Error())
}
