package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

const (
	bridgeHandshakeTimeout = 10 * time.Second
	bridgeMaxBackoff       = 30 * time.Second
	bridgeWriteTimeout     = 10 * time.Second
)

// bridgeFrame is the JSON frame exchanged with the bridge.
type bridgeFrame struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	State   string `json:"state,omitempty"`
	Media   string `json:"media,omitempty"`
}

// BridgeChannel delivers replies through a WhatsApp bridge over WebSocket.
// The bridge (e.g. whatsapp-web.js based) handles the actual WhatsApp
// protocol. Inbound traffic arrives through the webhook, so frames read
// from the socket are only used to detect disconnects.
type BridgeChannel struct {
	*channels.BaseChannel
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridgeChannel creates a bridge channel for the given ws:// URL.
func NewBridgeChannel(bridgeURL string) (*BridgeChannel, error) {
	if bridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &BridgeChannel{
		BaseChannel: channels.NewBaseChannel(ChannelName),
		url:         bridgeURL,
	}, nil
}

// Start connects to the bridge and keeps the connection alive.
func (c *BridgeChannel) Start(ctx context.Context) error {
	slog.Info("whatsapp: starting bridge channel", "bridge_url", c.url)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		// The reconnect loop keeps trying.
		slog.Warn("whatsapp: initial bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the connection and ends the reconnect loop.
func (c *BridgeChannel) Stop(_ context.Context) error {
	slog.Info("whatsapp: stopping bridge channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		<-c.done
	}
	c.SetRunning(false)
	return nil
}

// Send writes one message frame per outbound message, plus one per media
// attachment.
func (c *BridgeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	to := sessions.ChatID(msg.ChatID)
	if err := c.write(bridgeFrame{Type: "message", To: to, Content: msg.Content}); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	for _, m := range msg.Media {
		if err := c.write(bridgeFrame{Type: "media", To: to, Media: m.URL, Content: m.Caption}); err != nil {
			return fmt.Errorf("send whatsapp media: %w", err)
		}
	}
	return nil
}

// SendPresence forwards a typing indicator to the bridge.
func (c *BridgeChannel) SendPresence(_ context.Context, chatID, state string) error {
	return c.write(bridgeFrame{Type: "presence", To: sessions.ChatID(chatID), State: state})
}

// Notify posts plain text to a chat. It satisfies tools.Notifier.
func (c *BridgeChannel) Notify(ctx context.Context, chatID, text string) error {
	return c.Send(ctx, bus.OutboundMessage{Channel: ChannelName, ChatID: chatID, Content: text})
}

func (c *BridgeChannel) write(frame bridgeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// connect establishes the WebSocket connection to the bridge.
func (c *BridgeChannel) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: bridgeHandshakeTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp: bridge connected", "url", c.url)
	return nil
}

// listenLoop reads from the bridge and reconnects with exponential backoff
// when the connection drops.
func (c *BridgeChannel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("whatsapp: attempting bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp: bridge reconnect failed", "error", err)
				backoff = min(backoff*2, bridgeMaxBackoff)
				continue
			}

			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp: bridge read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("whatsapp: invalid bridge frame", "error", err)
			continue
		}
		slog.Debug("whatsapp: bridge frame ignored", "type", frame.Type)
	}
}
