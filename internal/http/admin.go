// Package http serves the operator REST API: read access to the thread
// snapshot and client store, plus the few mutations support staff need
// (forget a conversation, correct a client's labels).
package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// Event names published by admin mutations.
const (
	EventSessionDeleted = "session.deleted"
	EventClientLabels   = "client.labels"
)

// SessionStore is the subset of sessions.Store the API reads and edits.
type SessionStore interface {
	Keys() []string
	Info(key string) (sessions.Info, bool)
	Delete(key string) bool
}

// TurnLocks reports conversations with a turn in flight.
type TurnLocks interface {
	IsLocked(key string) bool
}

// RelevantInvalidator drops cached per-client context.
type RelevantInvalidator interface {
	InvalidateRelevant(key string)
}

func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := extractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// keyParam accepts either a conversation key or a raw chat id.
func keyParam(r *http.Request) string {
	return sessions.ConversationKey(r.PathValue("key"))
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func broadcast(events bus.EventPublisher, name string, payload any) {
	if events == nil {
		return
	}
	events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
