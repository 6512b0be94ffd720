package http

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// SessionsHandler exposes the thread snapshot.
type SessionsHandler struct {
	store  SessionStore
	locks  TurnLocks
	events bus.EventPublisher
	token  string
}

// NewSessionsHandler creates the handler. locks and events may be nil.
func NewSessionsHandler(store SessionStore, locks TurnLocks, events bus.EventPublisher, token string) *SessionsHandler {
	return &SessionsHandler{store: store, locks: locks, events: events, token: token}
}

// RegisterRoutes registers the session routes on mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", requireToken(h.token, h.handleList))
	mux.HandleFunc("GET /v1/sessions/{key}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("DELETE /v1/sessions/{key}", requireToken(h.token, h.handleDelete))
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	var infos []sessions.Info
	for _, key := range h.store.Keys() {
		info, ok := h.store.Info(key)
		if !ok || (activeOnly && !info.IsActive) {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	total := len(infos)
	if limit := limitParam(r, 100); limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	if infos == nil {
		infos = []sessions.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos, "total": total})
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	info, ok := h.store.Info(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	locked := h.locks != nil && h.locks.IsLocked(key)
	writeJSON(w, http.StatusOK, map[string]any{"session": info, "locked": locked})
}

// handleDelete forgets the thread so the next message starts a new one.
// A conversation with a turn in flight is refused.
func (h *SessionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	if h.locks != nil && h.locks.IsLocked(key) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "turn in progress"})
		return
	}
	if !h.store.Delete(key) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	slog.Info("admin: session deleted", "key", key)
	broadcast(h.events, EventSessionDeleted, map[string]string{"key": key})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}
