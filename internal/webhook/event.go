// Package webhook decodes provider webhooks into tagged events and routes
// each event to the first processor that claims it.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPayload marks a body that is not JSON or carries none of the
// known event keys.
var ErrInvalidPayload = errors.New("webhook: invalid payload")

// Kind tags an Event.
type Kind string

const (
	KindPresences Kind = "presences"
	KindMessages  Kind = "messages"
	KindStatuses  Kind = "statuses"
	KindChats     Kind = "chats"
	KindContacts  Kind = "contacts"
	KindGroups    Kind = "groups"
	KindLabels    Kind = "labels"
	KindHealth    Kind = "health"
	KindUnknown   Kind = "unknown"
)

// precedence is the probe order of Decode. Presences come first so a
// typing signal is never hidden behind a message in the same body.
var precedence = []Kind{
	KindPresences,
	KindMessages,
	KindStatuses,
	KindChats,
	KindContacts,
	KindGroups,
	KindLabels,
}

// Message is one inbound or outbound WhatsApp message.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id"`
	ChatName  string          `json:"chat_name"`
	From      string          `json:"from"`
	FromName  string          `json:"from_name"`
	FromMe    bool            `json:"from_me"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
	Text      *TextBody       `json:"text,omitempty"`
	Image     *MediaBody      `json:"image,omitempty"`
	Voice     *MediaBody      `json:"voice,omitempty"`
	Audio     *MediaBody      `json:"audio,omitempty"`
	Context   *MessageContext `json:"context,omitempty"`
}

// TextBody is the text payload of a message.
type TextBody struct {
	Body string `json:"body"`
}

// MediaBody is a media payload. Link is a downloadable URL.
type MediaBody struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Seconds  int    `json:"seconds"`
}

// MessageContext carries reply and mention details.
type MessageContext struct {
	QuotedID      string `json:"quoted_id"`
	QuotedAuthor  string `json:"quoted_author"`
	QuotedText    string `json:"quoted_text"`
	QuotedContent *struct {
		Body string `json:"body"`
		Text string `json:"text"`
	} `json:"quoted_content,omitempty"`
	Mentions []string `json:"mentions"`
}

// Chat returns the conversation id of m.
func (m Message) Chat() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.From
}

// MediaLink returns the audio link of a voice note, or the image link.
func (m Message) MediaLink() string {
	for _, b := range []*MediaBody{m.Voice, m.Audio, m.Image} {
		if b != nil && b.Link != "" {
			return b.Link
		}
	}
	return ""
}

// Presence is a typing or recording signal from a contact.
type Presence struct {
	ContactID string `json:"contact_id"`
	Status    string `json:"status"`
}

// Label is a label association change.
type Label struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ChatID string `json:"chat_id"`
}

// Event is a decoded webhook body. Kind is the primary kind by
// precedence; Messages and Presences are both filled when present so a
// processor can handle the whole body.
type Event struct {
	Kind      Kind
	Messages  []Message
	Presences []Presence
	Labels    []Label
	Count     int      // items under the primary key
	Keys      []string // top-level keys, for diagnostics
}

// Chats returns the distinct conversation ids mentioned by the event.
func (ev Event) Chats() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, m := range ev.Messages {
		add(m.Chat())
	}
	for _, p := range ev.Presences {
		add(p.ContactID)
	}
	for _, l := range ev.Labels {
		add(l.ChatID)
	}
	return out
}

// Decode parses a webhook body. An unknown shape returns an Event of
// KindUnknown together with ErrInvalidPayload.
func Decode(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{Kind: KindUnknown}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ev := Event{Kind: KindUnknown, Keys: make([]string, 0, len(raw))}
	for k := range raw {
		ev.Keys = append(ev.Keys, k)
	}
	sort.Strings(ev.Keys)

	// A non-empty array wins; an empty one only tags the event when
	// nothing else is present.
	for _, k := range precedence {
		items, ok := array(raw[string(k)])
		if !ok {
			continue
		}
		if len(items) > 0 {
			ev.Kind, ev.Count = k, len(items)
			break
		}
		if ev.Kind == KindUnknown {
			ev.Kind = k
		}
	}

	if msgs, ok := raw[string(KindMessages)]; ok && isArray(msgs) {
		if err := json.Unmarshal(msgs, &ev.Messages); err != nil {
			return ev, fmt.Errorf("%w: messages: %v", ErrInvalidPayload, err)
		}
	}
	if pres, ok := raw[string(KindPresences)]; ok && isArray(pres) {
		if err := json.Unmarshal(pres, &ev.Presences); err != nil {
			return ev, fmt.Errorf("%w: presences: %v", ErrInvalidPayload, err)
		}
	}
	if ev.Kind == KindLabels {
		// Label items vary by provider version; undecodable ones are
		// skipped rather than failing the body.
		items, _ := array(raw[string(KindLabels)])
		for _, it := range items {
			var l Label
			if json.Unmarshal(it, &l) == nil {
				ev.Labels = append(ev.Labels, l)
			}
		}
	}

	if ev.Kind == KindUnknown {
		if _, ok := raw[string(KindHealth)]; ok {
			ev.Kind = KindHealth
			return ev, nil
		}
		return ev, fmt.Errorf("%w: keys %s", ErrInvalidPayload, strings.Join(ev.Keys, ","))
	}
	return ev, nil
}

func isArray(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '['
}

func array(v json.RawMessage) ([]json.RawMessage, bool) {
	if !isArray(v) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, false
	}
	return items, true
}
