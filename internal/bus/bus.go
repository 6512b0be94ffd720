// Package bus decouples the turn loop from delivery: replies are
// published as OutboundMessage values and drained by the channel
// dispatcher; lifecycle events fan out to subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultOutboundBuffer = 256

// MessageBus is an in-process outbound queue plus event fan-out.
type MessageBus struct {
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{
		outbound: make(chan OutboundMessage, defaultOutboundBuffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishOutbound queues msg for delivery. It blocks when the queue is
// full so replies are never dropped; a running channel manager drains it
// onto per-chat lanes without waiting on delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound returns the next queued message, or false once ctx is
// done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Pending returns the number of undelivered messages.
func (b *MessageBus) Pending() int { return len(b.outbound) }

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast calls every subscriber synchronously. A panicking handler is
// logged and skipped.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: event handler panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
