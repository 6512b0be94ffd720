package webhook

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// EchoTracker remembers what the bot sent, by provider message id and by
// normalized content per chat, so the provider's echo of it is not taken
// for client input.
type EchoTracker struct {
	clock clock.Clock
	ttl   time.Duration
	cap   int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // of echoEntry, least recently recorded first
}

type echoEntry struct {
	key string
	at  time.Time
}

// NewEchoTracker creates a tracker holding at most maxEntries entries for
// ttl each.
func NewEchoTracker(clk clock.Clock, ttl time.Duration, maxEntries int) *EchoTracker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &EchoTracker{
		clock:   clk,
		ttl:     ttl,
		cap:     maxEntries,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func idKey(id string) string { return "id:" + id }

func contentKey(chatID, content string) string {
	return "txt:" + sessions.ConversationKey(chatID) + ":" + normalize(content)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// RecordID remembers a sent message id. Its signature matches
// whatsapp.SentHook.
func (t *EchoTracker) RecordID(_, messageID string) {
	if messageID != "" {
		t.put(idKey(messageID))
	}
}

// RecordSent remembers text sent to chatID.
func (t *EchoTracker) RecordSent(chatID, content string) {
	if normalize(content) != "" {
		t.put(contentKey(chatID, content))
	}
}

// IsEchoID reports whether id is a message the bot sent.
func (t *EchoTracker) IsEchoID(id string) bool {
	return id != "" && t.has(idKey(id))
}

// IsEchoContent reports whether content matches text recently sent to
// chatID.
func (t *EchoTracker) IsEchoContent(chatID, content string) bool {
	return normalize(content) != "" && t.has(contentKey(chatID, content))
}

// Len returns the number of live entries.
func (t *EchoTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.entries)
}

func (t *EchoTracker) put(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if el, ok := t.entries[key]; ok {
		el.Value = echoEntry{key: key, at: now}
		t.order.MoveToBack(el)
	} else {
		t.entries[key] = t.order.PushBack(echoEntry{key: key, at: now})
	}
	t.pruneLocked()
	for len(t.entries) > t.cap {
		t.removeLocked(t.order.Front())
	}
}

func (t *EchoTracker) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[key]
	return ok && t.clock.Now().Sub(el.Value.(echoEntry).at) <= t.ttl
}

// pruneLocked drops expired entries from the front of order. A refresh
// moves its entry to the back, so order is by last record time.
func (t *EchoTracker) pruneLocked() {
	now := t.clock.Now()
	for el := t.order.Front(); el != nil; el = t.order.Front() {
		if now.Sub(el.Value.(echoEntry).at) <= t.ttl {
			return
		}
		t.removeLocked(el)
	}
}

func (t *EchoTracker) removeLocked(el *list.Element) {
	delete(t.entries, el.Value.(echoEntry).key)
	t.order.Remove(el)
}
