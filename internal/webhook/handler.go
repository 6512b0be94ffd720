package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goconcierge/internal/channels"
)

const defaultMaxBody = 1 << 20

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	Path    string // webhook path, default "/webhook"
	MaxBody int64  // request body cap, default 1 MiB
	Router  *Router
	Limiter *channels.WebhookRateLimiter // optional
	Gate    *channels.LogGate            // optional
	// Health returns the body of GET /health. Optional.
	Health func() any
}

// Handler receives provider webhooks. Every well-formed request is
// acknowledged immediately and routed in the background.
type Handler struct {
	path    string
	maxBody int64
	router  *Router
	limiter *channels.WebhookRateLimiter
	gate    *channels.LogGate
	health  func() any

	base context.Context
	wg   sync.WaitGroup
}

// NewHandler creates a handler. Background routing runs under base, so
// cancelling it stops in-flight work at shutdown.
func NewHandler(base context.Context, cfg HandlerConfig) *Handler {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &Handler{
		path:    cfg.Path,
		maxBody: cfg.MaxBody,
		router:  cfg.Router,
		limiter: cfg.Limiter,
		gate:    cfg.Gate,
		health:  cfg.Health,
		base:    base,
	}
}

// RegisterRoutes registers the webhook, health and diagnostic routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.path, h.handleWebhook)
	mux.HandleFunc("POST "+h.path+"/diagnose", h.handleDiagnose)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /processors", h.handleProcessors)
}

// Wait blocks until background routing finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ev, err := Decode(body)
	// The provider retries anything but 200, so bad bodies are acknowledged
	// too.
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	if err != nil {
		if h.gate == nil || h.gate.ShouldLogInvalidWebhook() {
			slog.Warn("webhook: invalid payload", "keys", ev.Keys, "remote", clientIP(r), "error", err)
		}
		return
	}
	if ev.Kind == KindHealth {
		slog.Debug("webhook: provider health ping")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("webhook: route panic", "kind", ev.Kind, "panic", rec)
			}
		}()
		if err := h.router.Route(h.base, ev); err != nil {
			slog.Error("webhook: route failed", "kind", ev.Kind, "error", err)
		}
	}()
}

func (h *Handler) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	ev, err := Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "keys": ev.Keys})
		return
	}
	writeJSON(w, http.StatusOK, h.router.Diagnose(ev))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.health != nil {
		resp["stats"] = h.health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProcessors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Processors())
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
