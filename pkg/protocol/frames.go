// Package protocol defines the JSON frames pushed to operator event stream
// clients. Frames are server to client only; anything a client sends is
// ignored.
package protocol

import "time"

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Frame types.
const (
	FrameHello = "hello"
	FrameEvent = "event"
)

// HelloFrame is the first frame on every connection.
type HelloFrame struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
	ClientID string `json:"client_id"`
	Stats    any    `json:"stats,omitempty"`
}

// EventFrame carries one bus event. Seq increases per server so clients
// can spot frames dropped for being slow.
type EventFrame struct {
	Type    string    `json:"type"`
	Seq     uint64    `json:"seq"`
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

func NewHello(clientID string, stats any) *HelloFrame {
	return &HelloFrame{Type: FrameHello, Protocol: ProtocolVersion, ClientID: clientID, Stats: stats}
}

func NewEvent(seq uint64, name string, at time.Time, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Seq: seq, Event: name, Time: at, Payload: payload}
}
