// Package channels provides the delivery abstraction for outbound
// messages. A Channel delivers replies to a messaging provider; the
// Manager drains the bus and routes each message to its channel.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
)

// Presence states understood by PresenceChannel.
const (
	PresenceComposing = "composing"
	PresencePaused    = "paused"
)

// Sender delivers an outbound message.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	Sender

	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Start connects the channel. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is ready to deliver.
	IsRunning() bool
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel
	SendPresence(ctx context.Context, chatID, state string) error
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	running atomic.Bool
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Truncate shortens s to at most maxWidth display cells, appending "..."
// when cut. Emoji and wide runes count by their rendered width.
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
