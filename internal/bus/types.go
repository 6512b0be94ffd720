package bus

import "context"

// OutboundMessage is a reply or notice to deliver to a chat.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a media link sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Metadata keys set by the turn loop.
const (
	MetaTurnID    = "turn_id"
	MetaProcessor = "processor"
	MetaPart      = "part"
)

// Event is a server-side notification (turn finished, session rotated).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names.
const (
	EventTurnDone       = "turn.done"
	EventSessionRotated = "session.rotated"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// OutboundRouter abstracts outbound delivery between the turn loop and the
// channel dispatcher.
type OutboundRouter interface {
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
