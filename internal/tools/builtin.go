package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// CurrentTimeTool answers get_current_time in a fixed time zone.
type CurrentTimeTool struct {
	clock clock.Clock
	loc   *time.Location
}

func NewCurrentTimeTool(clk clock.Clock, loc *time.Location) *CurrentTimeTool {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CurrentTimeTool{clock: clk, loc: loc}
}

func (t *CurrentTimeTool) Name() string { return "get_current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Return the current local date and time."
}

func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *CurrentTimeTool) Execute(_ context.Context, _ map[string]interface{}) *Result {
	now := t.clock.Now().In(t.loc)
	return JSONResult(map[string]string{
		"datetime": now.Format(time.RFC3339),
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("15:04"),
		"weekday":  now.Weekday().String(),
		"timezone": t.loc.String(),
	})
}

// Notifier posts a text message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// EscalateTool hands a conversation to a human by posting to the
// operations chat.
type EscalateTool struct {
	notifier Notifier
	opsChat  string
}

func NewEscalateTool(n Notifier, opsChat string) *EscalateTool {
	return &EscalateTool{notifier: n, opsChat: opsChat}
}

func (t *EscalateTool) Name() string { return "escalate_to_human" }

func (t *EscalateTool) Description() string {
	return "Escalate the conversation to a human agent when the request cannot be handled automatically."
}

func (t *EscalateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why a human is needed.",
			},
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Short summary of the client's request.",
			},
		},
		"required": []string{"reason"},
	}
}

func (t *EscalateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.opsChat == "" || t.notifier == nil {
		return ErrorResult("escalation is not configured")
	}
	reason, _ := args["reason"].(string)
	summary, _ := args["summary"].(string)

	turn := TurnFrom(ctx)
	client := turn.Key
	if client == "" {
		client = strings.SplitN(turn.ChatID, "@", 2)[0]
	}
	name := turn.UserName

	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 Escalamiento: %s", strings.TrimSpace(reason))
	fmt.Fprintf(&sb, "\nCliente: %s", client)
	if name != "" {
		fmt.Fprintf(&sb, " (%s)", name)
	}
	if summary != "" {
		fmt.Fprintf(&sb, "\nResumen: %s", summary)
	}

	if err := t.notifier.Notify(ctx, t.opsChat, sb.String()); err != nil {
		return ErrorResult("notify operations: " + err.Error()).WithError(err)
	}
	return JSONResult(map[string]any{"escalated": true})
}
