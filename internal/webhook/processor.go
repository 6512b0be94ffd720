package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/buffer"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// Processor names, also used as buffer.Meta.Processor and as keys of the
// turn loop's policy table.
const (
	MainName       = "main"
	OperationsName = "operations"
)

// Placeholders fed to the assistant when media cannot be read.
const (
	voicePlaceholder  = "[Nota de voz no transcrita]"
	quotedBotFallback = "[mensaje del asistente citado]"
	quotedUnavailable = "[mensaje citado - contenido no disponible]"
)

// Buffer is the subset of buffer.Buffer the processors feed.
type Buffer interface {
	Add(key string, frag buffer.Fragment, meta buffer.Meta, window time.Duration)
	Extend(key string, a buffer.Activity) bool
	Pending(key string) int
}

// Turns receives what the processors do not buffer.
type Turns interface {
	SyncManual(ctx context.Context, key, chatID, agentName, text string) error
	MarkSignal(key string)
}

// ContextInvalidator drops cached client context.
type ContextInvalidator interface {
	InvalidateRelevant(key string)
}

// Transcriber turns a voice note link into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// ClientRecorder records that a client wrote, with the name the provider
// reported.
type ClientRecorder interface {
	Seen(ctx context.Context, chatID, name string) error
}

// Deps are shared by all processors. Transcriber, Clients, Context and
// Gate are optional.
type Deps struct {
	Buffer          Buffer
	Turns           Turns
	Echoes          *EchoTracker
	Activity        *ActivityTracker
	Context         ContextInvalidator
	Transcriber     Transcriber
	Clients         ClientRecorder
	Gate            *channels.LogGate
	ManualAgentSync bool
}

// base holds the message handling shared by Main and Operations.
type base struct {
	Deps
	name   string
	policy Policy
	// userName picks the display name for a message.
	userName func(m Message) string
}

func (p *base) Name() string   { return p.name }
func (p *base) Policy() Policy { return p.policy }

func (p *base) logf(msg string, args ...any) {
	if p.policy.CompactLogs {
		slog.Debug(msg, args...)
		return
	}
	slog.Info(msg, args...)
}

// Process handles presences first, then messages, then the remaining
// event kinds.
func (p *base) Process(ctx context.Context, ev Event) error {
	if p.policy.TrackPresence {
		for _, pr := range ev.Presences {
			p.handlePresence(pr)
		}
	}
	for _, m := range ev.Messages {
		if err := p.handleMessage(ctx, m); err != nil {
			slog.Error("webhook: message failed", "processor", p.name, "id", m.ID, "error", err)
		}
	}

	switch ev.Kind {
	case KindPresences, KindMessages:
	case KindLabels:
		p.handleLabels(ev.Labels)
	case KindStatuses, KindChats, KindContacts, KindGroups:
		slog.Debug("webhook: event acknowledged", "processor", p.name, "kind", ev.Kind, "count", ev.Count)
	case KindHealth:
		slog.Debug("webhook: health event ignored", "processor", p.name)
	case KindUnknown:
		if p.Gate == nil || p.Gate.ShouldLogInvalidWebhook() {
			slog.Warn("webhook: unknown event", "processor", p.name, "keys", ev.Keys)
		}
	}
	return nil
}

func (p *base) handlePresence(pr Presence) {
	if pr.ContactID == "" || p.Activity == nil {
		return
	}
	key := sessions.ConversationKey(pr.ContactID)
	status := strings.ToLower(pr.Status)
	wasTyping, wasRecording := p.Activity.Mark(key, status)

	switch status {
	case presenceTyping, presenceRecording:
		a := buffer.ActivityTyping
		if status == presenceRecording {
			a = buffer.ActivityRecording
		}
		extended := p.Buffer.Extend(key, a)
		if p.Gate == nil || p.Gate.ShouldLogTyping(key) {
			p.logf("webhook: user "+status, "key", key, "extended", extended)
		}
	default:
		if wasRecording && p.Buffer.Pending(key) > 0 {
			p.Buffer.Extend(key, buffer.ActivityVoice)
			p.logf("webhook: recording ended, grace window", "key", key)
		} else if wasTyping {
			slog.Debug("webhook: user stopped typing", "key", key)
		}
	}
}

func (p *base) handleLabels(labels []Label) {
	for _, l := range labels {
		if l.ChatID == "" {
			slog.Debug("webhook: label event without chat", "label", l.Name)
			continue
		}
		key := sessions.ConversationKey(l.ChatID)
		if p.Context != nil {
			p.Context.InvalidateRelevant(key)
		}
		if p.Turns != nil {
			p.Turns.MarkSignal(key)
		}
		slog.Debug("webhook: labels changed", "key", key, "label", l.Name)
	}
}

func (p *base) handleMessage(ctx context.Context, m Message) error {
	if p.Echoes != nil && p.Echoes.IsEchoID(m.ID) {
		slog.Debug("webhook: bot echo ignored", "id", m.ID)
		return nil
	}
	chat := m.Chat()
	if chat == "" {
		return fmt.Errorf("message %s has no chat id", m.ID)
	}
	key := sessions.ConversationKey(chat)
	chatID := sessions.ChatID(chat)

	if m.FromMe {
		return p.handleFromMe(ctx, m, key, chatID)
	}

	if p.Activity != nil {
		p.Activity.Clear(key)
	}
	name := p.userName(m)
	if p.Clients != nil {
		if err := p.Clients.Seen(ctx, chatID, name); err != nil {
			slog.Warn("webhook: record client failed", "key", key, "error", err)
		}
	}
	meta := buffer.Meta{ChatID: chatID, DisplayName: name, Processor: p.name}
	arrived := time.Time{}
	if m.Timestamp > 0 {
		arrived = time.Unix(m.Timestamp, 0)
	}

	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return nil
		}
		text := m.Text.Body
		if quoted, ok := p.quoted(m); ok {
			text = fmt.Sprintf("Cliente responde a este mensaje: %s\n\nMensaje del cliente: %s", quoted, m.Text.Body)
		}
		p.logf("webhook: text received", "key", key, "name", name, "id", m.ID, "preview", channels.Truncate(m.Text.Body, 80))
		p.Buffer.Add(key, buffer.Fragment{Text: text, Kind: buffer.KindText, MessageID: m.ID, ArrivedAt: arrived}, meta, 0)

	case "voice", "audio", "ptt":
		p.logf("webhook: voice received", "key", key, "name", name, "id", m.ID)
		p.Buffer.Extend(key, buffer.ActivityVoice)
		link := m.MediaLink()
		if link == "" {
			return nil
		}
		text, ok := p.transcribe(ctx, key, chatID, m, link)
		if !ok {
			return nil
		}
		p.Buffer.Add(key, buffer.Fragment{Text: text, Kind: buffer.KindVoice, MessageID: m.ID, MediaURL: link, ArrivedAt: arrived}, meta, 0)

	case "image":
		if m.Image == nil || m.Image.Link == "" {
			return nil
		}
		text := strings.TrimSpace("[Imagen] " + m.Image.Caption)
		p.logf("webhook: image received", "key", key, "name", name, "id", m.ID)
		p.Buffer.Add(key, buffer.Fragment{Text: text, Kind: buffer.KindImage, MessageID: m.ID, MediaURL: m.Image.Link, ArrivedAt: arrived}, meta, 0)

	default:
		slog.Debug("webhook: message type ignored", "key", key, "type", m.Type)
	}
	return nil
}

// transcribe returns the voice fragment text. ok is false when the
// transcript is an echo of the bot.
func (p *base) transcribe(ctx context.Context, key, chatID string, m Message, link string) (string, bool) {
	if p.Transcriber == nil {
		return voicePlaceholder, true
	}
	transcript, err := p.Transcriber.Transcribe(ctx, link)
	if err != nil || strings.TrimSpace(transcript) == "" {
		slog.Error("webhook: transcription failed", "key", key, "id", m.ID, "error", err)
		return voicePlaceholder, true
	}
	if p.Echoes != nil && p.Echoes.IsEchoContent(chatID, transcript) {
		slog.Debug("webhook: voice echo ignored", "key", key)
		return "", false
	}
	p.logf("webhook: voice transcribed", "key", key, "preview", channels.Truncate(transcript, 80))
	if quoted, ok := p.quoted(m); ok {
		return fmt.Sprintf("Cliente responde con nota de voz a este mensaje: %s\n\nTranscripción de la nota de voz: %s", quoted, transcript), true
	}
	return transcript, true
}

// quoted returns the quoted text of a reply. A quoted bot message whose
// content the provider left out shows as a placeholder.
func (p *base) quoted(m Message) (string, bool) {
	c := m.Context
	if c == nil || c.QuotedID == "" {
		return "", false
	}
	var text string
	if c.QuotedContent != nil {
		text = firstNonEmpty(c.QuotedContent.Body, c.QuotedContent.Text)
	}
	text = firstNonEmpty(text, c.QuotedText)
	if text != "" {
		return text, true
	}
	if p.Echoes != nil && p.Echoes.IsEchoID(c.QuotedID) {
		return quotedBotFallback, true
	}
	return quotedUnavailable, true
}

func (p *base) handleFromMe(ctx context.Context, m Message, key, chatID string) error {
	if !p.ManualAgentSync {
		slog.Debug("webhook: from_me ignored", "id", m.ID)
		return nil
	}
	if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
		slog.Debug("webhook: from_me non-text ignored", "id", m.ID, "type", m.Type)
		return nil
	}
	if p.Echoes != nil && p.Echoes.IsEchoContent(chatID, m.Text.Body) {
		slog.Debug("webhook: bot echo ignored by content", "key", key)
		return nil
	}
	agent := firstNonEmpty(m.FromName, "Agente")
	p.logf("webhook: manual agent message", "key", key, "agent", agent, "preview", channels.Truncate(m.Text.Body, 80))
	if p.Turns == nil {
		return nil
	}
	return p.Turns.SyncManual(ctx, key, chatID, agent, m.Text.Body)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MainProcessor handles client conversations: everything except the
// operations group.
type MainProcessor struct {
	base
	opsChat string
}

// NewMainProcessor creates the catch-all processor. opsChat is the
// operations group id, empty when there is none.
func NewMainProcessor(deps Deps, policy Policy, opsChat string) *MainProcessor {
	p := &MainProcessor{opsChat: opsChat}
	p.base = base{Deps: deps, name: MainName, policy: policy, userName: func(m Message) string {
		return firstNonEmpty(m.FromName, m.ChatName, sessions.DefaultUserName)
	}}
	return p
}

// CanHandle claims every event not addressed to the operations group.
func (p *MainProcessor) CanHandle(ev Event) bool {
	return p.opsChat == "" || !fromChat(ev, p.opsChat)
}

// OperationsProcessor handles the staff group and any group message that
// mentions or quotes the bot.
type OperationsProcessor struct {
	base
	opsChat   string
	botNumber string
}

// NewOperationsProcessor creates the operations processor.
func NewOperationsProcessor(deps Deps, policy Policy, opsChat, botNumber string) *OperationsProcessor {
	p := &OperationsProcessor{opsChat: opsChat, botNumber: sessions.ConversationKey(botNumber)}
	p.base = base{Deps: deps, name: OperationsName, policy: policy, userName: func(m Message) string {
		if sessions.IsGroup(m.Chat()) && m.ChatName != "" {
			return m.ChatName
		}
		return "Operaciones"
	}}
	return p
}

// CanHandle claims events from the operations group, and messages that
// mention or quote the bot number.
func (p *OperationsProcessor) CanHandle(ev Event) bool {
	if p.opsChat != "" && fromChat(ev, p.opsChat) {
		return true
	}
	if p.botNumber == "" {
		return false
	}
	for _, m := range ev.Messages {
		if m.Context == nil {
			continue
		}
		if sessions.ConversationKey(m.Context.QuotedAuthor) == p.botNumber {
			return true
		}
		for _, mention := range m.Context.Mentions {
			if sessions.ConversationKey(mention) == p.botNumber {
				return true
			}
		}
	}
	return false
}

func fromChat(ev Event, chat string) bool {
	want := sessions.ConversationKey(chat)
	for _, c := range ev.Chats() {
		if sessions.ConversationKey(c) == want {
			return true
		}
	}
	return false
}

var (
	_ Processor = (*MainProcessor)(nil)
	_ Processor = (*OperationsProcessor)(nil)
)
