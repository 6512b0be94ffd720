// Package assistant drives turns against a stateful assistant service
// (threads, runs and messages): adding user input to a thread, starting a
// run, polling it to completion, resolving tool calls and reading the
// reply.
package assistant

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrContextOverflow means the thread can no longer accept input; the
	// caller should rotate to a new thread.
	ErrContextOverflow = errors.New("assistant: context length exceeded")

	// ErrRunActive means the thread has a run in progress and rejected the
	// request.
	ErrRunActive = errors.New("assistant: run active on thread")

	// ErrNoResponse means a run completed without assistant text.
	ErrNoResponse = errors.New("assistant: no response")

	// ErrTransient marks network, rate-limit and server errors.
	ErrTransient = errors.New("assistant: transient error")
)

// RunStatus mirrors the service's run lifecycle.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
)

// Active reports whether a run still blocks its thread.
func (s RunStatus) Active() bool {
	switch s {
	case RunQueued, RunInProgress, RunRequiresAction, RunCancelling:
		return true
	}
	return false
}

// ToolCall is a function call requested by a run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// Run is the subset of run state the client acts on.
type Run struct {
	ID           string
	ThreadID     string
	Status       RunStatus
	CreatedAt    time.Time
	ToolCalls    []ToolCall
	ErrorCode    string
	ErrorMessage string
	TotalTokens  int64
}

// Message is user input for a thread.
type Message struct {
	Text      string
	ImageURLs []string
}

// API is the remote assistant service.
type API interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID string, msg Message) error
	CreateRun(ctx context.Context, threadID, assistantID string) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error)
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
}

// APIError is a classified error returned by the assistant service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return "assistant api: " + e.Code + ": " + e.Message
	}
	return "assistant api: " + e.Message
}

// Is maps service errors onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrContextOverflow:
		return e.Code == "context_length_exceeded" || strings.Contains(e.Message, "maximum context length")
	case ErrRunActive:
		return e.StatusCode == 400 && strings.Contains(e.Message, "while a run") && strings.Contains(e.Message, "is active")
	case ErrTransient:
		return e.StatusCode == 429 || e.StatusCode >= 500 || e.Code == "rate_limit_exceeded"
	}
	return false
}
