package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
	"github.com/nextlevelbuilder/goconcierge/internal/store"
)

type fakeSessions struct {
	infos map[string]sessions.Info
}

func (f *fakeSessions) Keys() []string {
	keys := make([]string, 0, len(f.infos))
	for k := range f.infos {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeSessions) Info(key string) (sessions.Info, bool) {
	in, ok := f.infos[key]
	return in, ok
}

func (f *fakeSessions) Delete(key string) bool {
	if _, ok := f.infos[key]; !ok {
		return false
	}
	delete(f.infos, key)
	return true
}

type fakeLocks map[string]bool

func (f fakeLocks) IsLocked(key string) bool { return f[key] }

type fakeClients struct {
	mu   sync.Mutex
	rows map[string]*store.Client
}

func (f *fakeClients) GetClient(_ context.Context, key string) (*store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClients) UpsertClient(_ context.Context, c *store.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[c.Key] = c
	return nil
}

func (f *fakeClients) SetLabels(_ context.Context, key string, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[key]
	if !ok {
		return store.ErrNotFound
	}
	c.Labels = labels
	return nil
}

func (f *fakeClients) ListClients(_ context.Context, limit int) ([]store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Client
	for _, c := range f.rows {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeClients) Close() error { return nil }

type fakeInvalidator struct{ keys []string }

func (f *fakeInvalidator) InvalidateRelevant(key string) { f.keys = append(f.keys, key) }

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newSessionsMux(t *testing.T, locks fakeLocks, events bus.EventPublisher, token string) (*http.ServeMux, *fakeSessions) {
	t.Helper()
	fs := &fakeSessions{infos: map[string]sessions.Info{
		"573001112233": {Key: "573001112233", ThreadID: "thread_a", LastActivity: t0, IsActive: true},
		"573009998877": {Key: "573009998877", ThreadID: "thread_b", LastActivity: t0.Add(-72 * time.Hour)},
	}}
	mux := http.NewServeMux()
	NewSessionsHandler(fs, locks, events, token).RegisterRoutes(mux)
	return mux, fs
}

func do(mux *http.ServeMux, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// TestSessions_ListNewestFirst orders by last activity and honours the
// active filter.
func TestSessions_ListNewestFirst(t *testing.T) {
	mux, _ := newSessionsMux(t, nil, nil, "")

	rec := do(mux, "GET", "/v1/sessions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []sessions.Info `json:"sessions"`
		Total    int             `json:"total"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Total != 2 || resp.Sessions[0].Key != "573001112233" {
		t.Fatalf("resp = %+v", resp)
	}

	rec = do(mux, "GET", "/v1/sessions?active=true", "", nil)
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Total != 1 {
		t.Fatalf("active total = %d, want 1", resp.Total)
	}
}

// TestSessions_GetAcceptsChatID normalizes a raw chat id to its key.
func TestSessions_GetAcceptsChatID(t *testing.T) {
	mux, _ := newSessionsMux(t, fakeLocks{"573001112233": true}, nil, "")

	rec := do(mux, "GET", "/v1/sessions/573001112233@s.whatsapp.net", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp struct {
		Session sessions.Info `json:"session"`
		Locked  bool          `json:"locked"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Session.ThreadID != "thread_a" || !resp.Locked {
		t.Fatalf("resp = %+v", resp)
	}

	if rec := do(mux, "GET", "/v1/sessions/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", rec.Code)
	}
}

// TestSessions_DeleteRefusesLockedConversation keeps threads with a turn
// in flight and broadcasts successful deletes.
func TestSessions_DeleteRefusesLockedConversation(t *testing.T) {
	b := bus.New()
	var got []string
	b.Subscribe("test", func(ev bus.Event) { got = append(got, ev.Name) })
	mux, fs := newSessionsMux(t, fakeLocks{"573001112233": true}, b, "")

	if rec := do(mux, "DELETE", "/v1/sessions/573001112233", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("locked delete status = %d", rec.Code)
	}
	if rec := do(mux, "DELETE", "/v1/sessions/573009998877", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, ok := fs.infos["573009998877"]; ok {
		t.Fatal("session still stored")
	}
	if len(got) != 1 || got[0] != EventSessionDeleted {
		t.Fatalf("events = %v", got)
	}
	if rec := do(mux, "DELETE", "/v1/sessions/573009998877", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

// TestAdmin_RequiresBearerToken rejects missing or wrong tokens.
func TestAdmin_RequiresBearerToken(t *testing.T) {
	mux, _ := newSessionsMux(t, nil, nil, "tok")

	if rec := do(mux, "GET", "/v1/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := do(mux, "GET", "/v1/sessions", "", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	if rec := do(mux, "GET", "/v1/sessions", "", map[string]string{"Authorization": "Bearer tok"}); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
}

// TestClients_SetLabelsInvalidatesContext dedupes labels, stores them and
// drops the cached relevant context.
func TestClients_SetLabelsInvalidatesContext(t *testing.T) {
	fc := &fakeClients{rows: map[string]*store.Client{
		"573001112233": {Key: "573001112233", Name: "Ana"},
	}}
	inv := &fakeInvalidator{}
	mux := http.NewServeMux()
	NewClientsHandler(fc, inv, nil, "").RegisterRoutes(mux)

	rec := do(mux, "PUT", "/v1/clients/573001112233/labels", `{"labels":["VIP"," VIP ","","Mayorista"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	c, _ := fc.GetClient(context.Background(), "573001112233")
	if strings.Join(c.Labels, ",") != "VIP,Mayorista" {
		t.Fatalf("labels = %v", c.Labels)
	}
	if len(inv.keys) != 1 || inv.keys[0] != "573001112233" {
		t.Fatalf("invalidated = %v", inv.keys)
	}

	if rec := do(mux, "PUT", "/v1/clients/999/labels", `{"labels":["x"]}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown client status = %d", rec.Code)
	}
	if rec := do(mux, "PUT", "/v1/clients/573001112233/labels", `{bad`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
}

// TestClients_GetAndList covers the read routes.
func TestClients_GetAndList(t *testing.T) {
	fc := &fakeClients{rows: map[string]*store.Client{
		"573001112233": {Key: "573001112233", Name: "Ana", Labels: []string{"VIP"}},
	}}
	mux := http.NewServeMux()
	NewClientsHandler(fc, nil, nil, "").RegisterRoutes(mux)

	rec := do(mux, "GET", "/v1/clients/573001112233", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"Ana"`) {
		t.Fatalf("get = %d %s", rec.Code, rec.Body)
	}
	if rec := do(mux, "GET", "/v1/clients/nobody", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
	rec = do(mux, "GET", "/v1/clients?limit=10", "", nil)
	var resp struct {
		Clients []store.Client `json:"clients"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Clients) != 1 {
		t.Fatalf("clients = %+v", resp.Clients)
	}
}
