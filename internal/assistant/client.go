package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/tools"
)

// Config tunes polling and retries.
type Config struct {
	AssistantID        string
	PollInterval       time.Duration
	MaxPollBackoff     time.Duration
	MaxPollAttempts    int
	AddMessageAttempts int
	OrphanAge          time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		MaxPollBackoff:     5 * time.Second,
		MaxPollAttempts:    120,
		AddMessageAttempts: 5,
		OrphanAge:          10 * time.Minute,
	}
}

// ToolExecutor resolves function calls requested by a run.
type ToolExecutor interface {
	Execute(ctx context.Context, name, rawArgs string) *tools.Result
}

// Status is the outcome of a turn.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Turn is one user message to run against a thread.
type Turn struct {
	ThreadID    string
	AssistantID string // overrides Config.AssistantID when set
	Message     Message
}

// Outcome reports how a turn ended. A StatusTimeout or StatusFailed
// outcome is not an error; the caller picks a fallback reply.
type Outcome struct {
	Status      Status
	RunID       string
	Reply       string
	RunStatus   RunStatus
	TotalTokens int64
	ToolCalls   int
	Polls       int
	Duration    time.Duration
}

// Client runs turns through an API with the shared retry policy.
type Client struct {
	api   API
	cfg   Config
	clock clock.Clock
	tools ToolExecutor
	retry RetryPolicy
	poll  func(int) time.Duration
}

// NewClient wires a client. exec may be nil when no function calling is
// configured.
func NewClient(api API, cfg Config, clk clock.Clock, exec ToolExecutor) *Client {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = d.MaxPollBackoff
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = d.MaxPollAttempts
	}
	if cfg.AddMessageAttempts <= 0 {
		cfg.AddMessageAttempts = d.AddMessageAttempts
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = d.OrphanAge
	}
	if clk == nil {
		clk = clock.Real()
	}
	backoff := ExponentialBackoff(cfg.PollInterval, cfg.MaxPollBackoff, 1.5)
	return &Client{
		api:   api,
		cfg:   cfg,
		clock: clk,
		tools: exec,
		retry: RetryPolicy{MaxAttempts: cfg.AddMessageAttempts, Backoff: backoff, Clock: clk},
		poll:  backoff,
	}
}

// SetRetryPolicy replaces the add-message policy and the poll backoff. A
// nil Backoff polls without waiting.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	if p.Clock == nil {
		p.Clock = c.clock
	}
	c.retry = p
	c.poll = p.Backoff
}

// CreateThread opens a new thread.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	id, err := RetryDo(ctx, c.retry, "create_thread", func() (string, error) {
		return c.api.CreateThread(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return id, nil
}

// Write appends a user-role note to a thread without starting a run.
func (c *Client) Write(ctx context.Context, threadID, content string) error {
	return c.addMessage(ctx, threadID, Message{Text: content})
}

func (c *Client) addMessage(ctx context.Context, threadID string, msg Message) error {
	_, err := RetryDo(ctx, c.retry, "add_message", func() (struct{}, error) {
		return struct{}{}, c.api.AddMessage(ctx, threadID, msg)
	})
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// Ask adds turn.Message to the thread, runs the assistant and waits for
// the reply. Errors are returned only when the turn could not start or
// the thread overflowed; run failures and poll timeouts come back as an
// Outcome.
func (c *Client) Ask(ctx context.Context, turn Turn) (Outcome, error) {
	start := c.clock.Now()
	assistantID := turn.AssistantID
	if assistantID == "" {
		assistantID = c.cfg.AssistantID
	}

	if _, err := c.CancelOrphans(ctx, turn.ThreadID); err != nil {
		slog.Warn("assistant: orphan check failed", "thread", turn.ThreadID, "error", err)
	}

	if err := c.addMessage(ctx, turn.ThreadID, turn.Message); err != nil {
		return Outcome{}, err
	}

	run, err := RetryDo(ctx, c.retry, "create_run", func() (Run, error) {
		return c.api.CreateRun(ctx, turn.ThreadID, assistantID)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create run: %w", err)
	}

	out, err := c.wait(ctx, turn.ThreadID, run)
	out.Duration = c.clock.Now().Sub(start)
	if err != nil {
		return out, err
	}

	if out.Status == StatusCompleted {
		reply, err := c.api.LatestAssistantMessage(ctx, turn.ThreadID)
		if err != nil {
			return out, fmt.Errorf("read reply: %w", err)
		}
		if reply == "" {
			return out, ErrNoResponse
		}
		out.Reply = reply
	}

	slog.Info("assistant: turn finished",
		"thread", turn.ThreadID,
		"run", out.RunID,
		"status", out.Status,
		"tokens", out.TotalTokens,
		"polls", out.Polls,
		"tool_calls", out.ToolCalls,
		"duration", out.Duration,
	)
	return out, nil
}

// wait polls run until it reaches a terminal state, answering tool calls
// along the way.
func (c *Client) wait(ctx context.Context, threadID string, run Run) (Outcome, error) {
	out := Outcome{RunID: run.ID}

	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		var delay time.Duration
		if c.poll != nil {
			delay = c.poll(attempt)
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-c.clock.After(delay):
		}
		out.Polls = attempt

		cur, err := c.api.GetRun(ctx, threadID, run.ID)
		if err != nil {
			if IsRetryable(err) {
				slog.Warn("assistant: poll failed", "thread", threadID, "run", run.ID, "error", err)
				continue
			}
			return out, fmt.Errorf("get run: %w", err)
		}
		run = cur
		out.RunStatus = run.Status
		out.TotalTokens = run.TotalTokens

		switch run.Status {
		case RunCompleted:
			out.Status = StatusCompleted
			return out, nil
		case RunRequiresAction:
			next, err := c.submitTools(ctx, threadID, run)
			if err != nil {
				return out, err
			}
			out.ToolCalls += len(run.ToolCalls)
			run = next
		case RunFailed, RunCancelled, RunExpired, RunIncomplete:
			if run.ErrorCode == "context_length_exceeded" {
				return out, ErrContextOverflow
			}
			slog.Error("assistant: run ended", "thread", threadID, "run", run.ID, "status", run.Status, "code", run.ErrorCode, "message", run.ErrorMessage)
			out.Status = StatusFailed
			return out, nil
		}
	}

	slog.Error("assistant: run timed out", "thread", threadID, "run", run.ID, "polls", out.Polls)
	if err := c.api.CancelRun(ctx, threadID, run.ID); err != nil {
		slog.Warn("assistant: cancel after timeout failed", "run", run.ID, "error", err)
	}
	out.Status = StatusTimeout
	return out, nil
}

func (c *Client) submitTools(ctx context.Context, threadID string, run Run) (Run, error) {
	outputs := make([]ToolOutput, 0, len(run.ToolCalls))
	for _, call := range run.ToolCalls {
		var output string
		if c.tools == nil {
			output = tools.ErrorResult("function calling is not configured").ForLLM
		} else {
			output = c.tools.Execute(ctx, call.Name, call.Arguments).ForLLM
		}
		outputs = append(outputs, ToolOutput{CallID: call.ID, Output: output})
	}

	next, err := RetryDo(ctx, c.retry, "submit_tool_outputs", func() (Run, error) {
		return c.api.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
	})
	if err != nil {
		return run, fmt.Errorf("submit tool outputs: %w", err)
	}
	return next, nil
}

// CancelOrphans cancels runs on threadID that are still active and older
// than OrphanAge. It returns how many were cancelled.
func (c *Client) CancelOrphans(ctx context.Context, threadID string) (int, error) {
	runs, err := c.api.ListRuns(ctx, threadID, 10)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	now := c.clock.Now()
	cancelled := 0
	var errs []error
	for _, r := range runs {
		if !r.Status.Active() || r.Status == RunCancelling {
			continue
		}
		if age := now.Sub(r.CreatedAt); age < c.cfg.OrphanAge {
			continue
		}
		if err := c.api.CancelRun(ctx, threadID, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", r.ID, err))
			continue
		}
		cancelled++
		slog.Warn("assistant: orphaned run cancelled", "thread", threadID, "run", r.ID, "status", r.Status)
	}
	return cancelled, errors.Join(errs...)
}

// SweepOrphans runs CancelOrphans over every thread with bounded
// parallelism and returns the total cancelled.
func (c *Client) SweepOrphans(ctx context.Context, threadIDs []string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	results := make([]int, len(threadIDs))
	for i, id := range threadIDs {
		g.Go(func() error {
			n, err := c.CancelOrphans(gctx, id)
			results[i] = n
			if err != nil {
				slog.Warn("assistant: orphan sweep", "thread", id, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	return total, err
}
