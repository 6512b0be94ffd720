package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/store"
)

const maxLabels = 20

// ClientsHandler exposes the client store.
type ClientsHandler struct {
	clients store.ClientStore
	context RelevantInvalidator
	events  bus.EventPublisher
	token   string
}

// NewClientsHandler creates the handler. ctx and events may be nil.
func NewClientsHandler(clients store.ClientStore, ctx RelevantInvalidator, events bus.EventPublisher, token string) *ClientsHandler {
	return &ClientsHandler{clients: clients, context: ctx, events: events, token: token}
}

// RegisterRoutes registers the client routes on mux.
func (h *ClientsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/clients", requireToken(h.token, h.handleList))
	mux.HandleFunc("GET /v1/clients/{key}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("PUT /v1/clients/{key}/labels", requireToken(h.token, h.handleSetLabels))
}

func (h *ClientsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.clients.ListClients(r.Context(), limitParam(r, 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []store.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": list})
}

func (h *ClientsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.clients.GetClient(r.Context(), keyParam(r))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "client not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client": c})
}

// handleSetLabels replaces a client's labels and drops its cached context
// so the next turn sees them.
func (h *ClientsHandler) handleSetLabels(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	var req struct {
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	labels := make([]string, 0, len(req.Labels))
	seen := make(map[string]bool, len(req.Labels))
	for _, l := range req.Labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	if len(labels) > maxLabels {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many labels"})
		return
	}

	if err := h.clients.SetLabels(r.Context(), key, labels); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if h.context != nil {
		h.context.InvalidateRelevant(key)
	}
	slog.Info("admin: client labels set", "key", key, "labels", labels)
	broadcast(h.events, EventClientLabels, map[string]any{"key": key, "labels": labels})
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "labels": labels})
}
