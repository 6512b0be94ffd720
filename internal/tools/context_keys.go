package tools

import "context"

// Turn identifies the conversation a tool call belongs to. The turn loop
// attaches it to the context passed to Execute.
type Turn struct {
	ChatID    string
	Key       string
	UserName  string
	ThreadID  string
	Processor string
}

type turnKey struct{}

func WithTurn(ctx context.Context, t Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFrom returns the attached turn, or the zero Turn outside a turn.
func TurnFrom(ctx context.Context) Turn {
	t, _ := ctx.Value(turnKey{}).(Turn)
	return t
}
