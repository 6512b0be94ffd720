package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

const (
	defaultAPIURL      = "https://gate.whapi.cloud"
	defaultRatePerSec  = 5
	defaultHTTPTimeout = 15 * time.Second
	historyLineMax     = 100
	maxErrorBody       = 512
)

// APIConfig configures an APIChannel.
type APIConfig struct {
	BaseURL    string
	Token      string
	RatePerSec float64
	Location   *time.Location // timestamps in formatted history
	HTTPClient *http.Client
	OnSent     SentHook // optional, called with each delivered message id
}

// SentHook observes the provider id of every message the bot sends.
type SentHook func(chatID, messageID string)

// APIChannel talks to a Whapi-compatible HTTP gateway. Besides delivery
// it serves chat history and chat labels to the context injector.
type APIChannel struct {
	*channels.BaseChannel
	baseURL string
	token   string
	loc     *time.Location
	http    *http.Client
	limiter *rate.Limiter
	onSent  SentHook
}

type sendResponse struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// NewAPIChannel creates a channel. Token is required.
func NewAPIChannel(cfg APIConfig) (*APIChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp api token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIURL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &APIChannel{
		BaseChannel: channels.NewBaseChannel(ChannelName),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		loc:         cfg.Location,
		http:        cfg.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		onSent:      cfg.OnSent,
	}, nil
}

// Start marks the channel ready. The gateway is stateless HTTP.
func (c *APIChannel) Start(_ context.Context) error {
	slog.Info("whatsapp: api channel ready", "url", c.baseURL)
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped.
func (c *APIChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send delivers text, then any media attachments, to msg.ChatID.
func (c *APIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	to := sessions.ChatID(msg.ChatID)
	if strings.TrimSpace(msg.Content) != "" {
		body := map[string]string{"to": to, "body": msg.Content}
		var resp sendResponse
		if err := c.do(ctx, http.MethodPost, "/messages/text", body, &resp); err != nil {
			return fmt.Errorf("send text to %s: %w", to, err)
		}
		c.sent(to, resp)
	}
	for _, m := range msg.Media {
		body := map[string]string{"to": to, "media": m.URL}
		if m.Caption != "" {
			body["caption"] = m.Caption
		}
		var resp sendResponse
		if err := c.do(ctx, http.MethodPost, "/messages/image", body, &resp); err != nil {
			return fmt.Errorf("send media to %s: %w", to, err)
		}
		c.sent(to, resp)
	}
	slog.Debug("whatsapp: sent", "to", to, "preview", channels.Truncate(msg.Content, 50))
	return nil
}

func (c *APIChannel) sent(to string, resp sendResponse) {
	if c.onSent != nil && resp.Message.ID != "" {
		c.onSent(to, resp.Message.ID)
	}
}

// SendPresence shows or clears the typing indicator.
func (c *APIChannel) SendPresence(ctx context.Context, chatID, state string) error {
	body := map[string]string{"to": sessions.ChatID(chatID), "type": state}
	if err := c.do(ctx, http.MethodPost, "/messages/presence", body, nil); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	return nil
}

// Notify posts plain text to a chat. It satisfies tools.Notifier.
func (c *APIChannel) Notify(ctx context.Context, chatID, text string) error {
	return c.Send(ctx, bus.OutboundMessage{Channel: ChannelName, ChatID: chatID, Content: text})
}

type historyMessage struct {
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"from_me"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
	Total    int              `json:"total"`
}

// ChatHistory fetches the last count messages and renders them as a
// plain-text transcript. An empty chat yields "".
func (c *APIChannel) ChatHistory(ctx context.Context, chatID string, count int) (string, error) {
	path := "/messages/list/" + url.PathEscape(sessions.ChatID(chatID)) + "?count=" + strconv.Itoa(count)
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fetch history: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return formatHistory(resp, c.loc), nil
}

func formatHistory(resp historyResponse, loc *time.Location) string {
	msgs := append([]historyMessage(nil), resp.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })

	var sb strings.Builder
	sb.WriteString("=== HISTORIAL DE CONVERSACIÓN ===\n")
	fmt.Fprintf(&sb, "Total de mensajes en historial: %d\n", resp.Total)
	fmt.Fprintf(&sb, "Mostrando últimos %d mensajes:\n\n", len(msgs))

	day := ""
	for _, m := range msgs {
		at := time.Unix(m.Timestamp, 0).In(loc)
		if d := at.Format("02/01/06"); d != day {
			fmt.Fprintf(&sb, "\n--- %s ---\n", d)
			day = d
		}
		sender := "Cliente"
		if m.FromMe {
			sender = "Asistente"
		}
		fmt.Fprintf(&sb, "%s - %s: %s\n", at.Format("15:04"), sender, historyContent(m))
	}
	sb.WriteString("\n=== FIN HISTORIAL ===\n")
	return sb.String()
}

func historyContent(m historyMessage) string {
	if m.Text != nil && m.Text.Body != "" {
		return truncateWords(strings.Join(strings.Fields(m.Text.Body), " "), historyLineMax)
	}
	if m.Type != "" && m.Type != "text" {
		return "[" + strings.ToUpper(m.Type) + "]"
	}
	return "[Sin contenido]"
}

// truncateWords cuts s at a word boundary so the result plus "..." fits
// in limit bytes.
func truncateWords(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	var sb strings.Builder
	for _, w := range strings.Split(s, " ") {
		if sb.Len()+len(w)+1 > limit {
			break
		}
		sb.WriteString(w)
		sb.WriteByte(' ')
	}
	return strings.TrimSpace(sb.String()) + "..."
}

type chatLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type chatInfo struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Labels []chatLabel `json:"labels"`
	// Timestamp of the chat's last message (unix seconds).
	Timestamp int64 `json:"timestamp"`
}

// Profile returns the chat name and label names. It satisfies
// contextcache.ProfileSource.
func (c *APIChannel) Profile(ctx context.Context, chatID string) (contextcache.Profile, error) {
	var info chatInfo
	path := "/chats/" + url.PathEscape(sessions.ChatID(chatID))
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return contextcache.Profile{}, fmt.Errorf("fetch chat: %w", err)
	}
	p := contextcache.Profile{Name: info.Name}
	for _, l := range info.Labels {
		if l.Name != "" {
			p.Labels = append(p.Labels, l.Name)
		}
	}
	if info.Timestamp > 0 {
		p.LastActivity = time.Unix(info.Timestamp, 0)
	}
	return p, nil
}

// StatusError is a non-2xx response from the gateway.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whapi: HTTP %d: %s", e.StatusCode, e.Body)
}

// Is reports client errors other than 429 as permanent, so the dispatcher
// does not retry a rejected recipient or payload.
func (e *StatusError) Is(target error) bool {
	return target == channels.ErrPermanent &&
		e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func (c *APIChannel) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
