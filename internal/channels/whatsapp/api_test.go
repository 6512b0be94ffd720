package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]string
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		if handler != nil {
			handler(w, r)
			return
		}
		w.Write([]byte(`{"sent":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func newTestChannel(t *testing.T, url string) *APIChannel {
	t.Helper()
	ch, err := NewAPIChannel(APIConfig{BaseURL: url, Token: "tok", RatePerSec: 1000, Location: time.UTC})
	if err != nil {
		t.Fatalf("NewAPIChannel: %v", err)
	}
	return ch
}

// TestAPIChannel_SendText verifies text goes to /messages/text with the
// full chat id and bearer auth.
func TestAPIChannel_SendText(t *testing.T) {
	srv, reqs := newTestServer(t, nil)
	ch := newTestChannel(t, srv.URL)

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "573001", Content: "Hola"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(*reqs))
	}
	got := (*reqs)[0]
	if got.Method != http.MethodPost || got.Path != "/messages/text" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	if got.Auth != "Bearer tok" {
		t.Errorf("auth = %q", got.Auth)
	}
	if got.Body["to"] != "573001@s.whatsapp.net" || got.Body["body"] != "Hola" {
		t.Errorf("body = %v", got.Body)
	}
}

// TestAPIChannel_SendReportsMessageID verifies the sent hook receives the
// provider message id.
func TestAPIChannel_SendReportsMessageID(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sent":true,"message":{"id":"wamid.ABC"}}`))
	})
	var gotChat, gotID string
	ch, err := NewAPIChannel(APIConfig{
		BaseURL: srv.URL, Token: "tok", RatePerSec: 1000,
		OnSent: func(chatID, id string) { gotChat, gotID = chatID, id },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "573001", Content: "Hola"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotChat != "573001@s.whatsapp.net" || gotID != "wamid.ABC" {
		t.Errorf("hook got %q %q", gotChat, gotID)
	}
}

// TestAPIChannel_SendPresence verifies the typing indicator payload.
func TestAPIChannel_SendPresence(t *testing.T) {
	srv, reqs := newTestServer(t, nil)
	ch := newTestChannel(t, srv.URL)

	if err := ch.SendPresence(context.Background(), "573001@s.whatsapp.net", "composing"); err != nil {
		t.Fatalf("SendPresence: %v", err)
	}
	got := (*reqs)[0]
	if got.Path != "/messages/presence" || got.Body["type"] != "composing" {
		t.Errorf("request = %s %v", got.Path, got.Body)
	}
}

// TestAPIChannel_StatusError verifies non-2xx responses surface as
// *StatusError.
func TestAPIChannel_StatusError(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad token"}`))
	})
	ch := newTestChannel(t, srv.URL)

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "573001", Content: "Hola"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want StatusError 401", err)
	}
}

// TestAPIChannel_ChatHistory verifies the transcript layout: sorted by
// time, day separators, sender names and media placeholders.
func TestAPIChannel_ChatHistory(t *testing.T) {
	day1 := time.Date(2025, 7, 1, 9, 5, 0, 0, time.UTC).Unix()
	day2 := time.Date(2025, 7, 2, 14, 30, 0, 0, time.UTC).Unix()
	srv, reqs := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"total": 12,
			"messages": []map[string]any{
				{"timestamp": day2, "from_me": false, "type": "image"},
				{"timestamp": day1 + 60, "from_me": true, "type": "text", "text": map[string]string{"body": "Con gusto,\n¿para cuántas personas?"}},
				{"timestamp": day1, "from_me": false, "type": "text", "text": map[string]string{"body": "Hola"}},
			},
		})
	})
	ch := newTestChannel(t, srv.URL)

	got, err := ch.ChatHistory(context.Background(), "573001", 50)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	want := "=== HISTORIAL DE CONVERSACIÓN ===\n" +
		"Total de mensajes en historial: 12\n" +
		"Mostrando últimos 3 mensajes:\n\n" +
		"\n--- 01/07/25 ---\n" +
		"09:05 - Cliente: Hola\n" +
		"09:06 - Asistente: Con gusto, ¿para cuántas personas?\n" +
		"\n--- 02/07/25 ---\n" +
		"14:30 - Cliente: [IMAGE]\n" +
		"\n=== FIN HISTORIAL ===\n"
	if got != want {
		t.Errorf("history mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
	if r := (*reqs)[0]; r.Path != "/messages/list/573001@s.whatsapp.net" || r.Query != "count=50" {
		t.Errorf("request = %s?%s", r.Path, r.Query)
	}
}

// TestAPIChannel_ChatHistoryEmpty verifies an empty chat yields no text.
func TestAPIChannel_ChatHistoryEmpty(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[],"total":0}`))
	})
	ch := newTestChannel(t, srv.URL)

	got, err := ch.ChatHistory(context.Background(), "573001", 50)
	if err != nil || got != "" {
		t.Fatalf("ChatHistory = %q, %v", got, err)
	}
}

// TestAPIChannel_Profile verifies label names and chat name are read from
// the chat endpoint.
func TestAPIChannel_Profile(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"573001@s.whatsapp.net","name":"Ana","labels":[{"id":"1","name":"VIP","color":"red"},{"id":"2","name":"Reserva","color":"blue"}]}`))
	})
	ch := newTestChannel(t, srv.URL)

	p, err := ch.Profile(context.Background(), "573001")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Name != "Ana" || strings.Join(p.Labels, ",") != "VIP,Reserva" {
		t.Errorf("profile = %+v", p)
	}
}

// TestTruncateWords verifies long lines are cut on a word boundary.
func TestTruncateWords(t *testing.T) {
	s := strings.Repeat("palabra ", 20)
	got := truncateWords(strings.TrimSpace(s), 30)
	if got != "palabra palabra palabra..." {
		t.Errorf("truncateWords = %q", got)
	}
	if got := truncateWords("corto", 30); got != "corto" {
		t.Errorf("short text changed: %q", got)
	}
}

// TestStatusError_Permanent marks client errors other than 429 permanent.
func TestStatusError_Permanent(t *testing.T) {
	cases := map[int]bool{400: true, 404: true, 429: false, 500: false, 503: false}
	for code, want := range cases {
		err := fmt.Errorf("send text to x: %w", &StatusError{StatusCode: code})
		if got := errors.Is(err, channels.ErrPermanent); got != want {
			t.Errorf("HTTP %d permanent = %v, want %v", code, got, want)
		}
	}
}
