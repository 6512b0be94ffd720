package assistant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAPI implements API on the OpenAI Assistants endpoints.
type OpenAIAPI struct {
	client openai.Client
}

// NewOpenAIAPI creates an adapter. baseURL may be empty.
func NewOpenAIAPI(apiKey, baseURL string) *OpenAIAPI {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAIAPI{client: openai.NewClient(opts...)}
}

func (a *OpenAIAPI) CreateThread(ctx context.Context) (string, error) {
	th, err := a.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", classify(err)
	}
	return th.ID, nil
}

func (a *OpenAIAPI) AddMessage(ctx context.Context, threadID string, msg Message) error {
	params := openai.BetaThreadMessageNewParams{Role: openai.BetaThreadMessageNewParamsRoleUser}
	if len(msg.ImageURLs) == 0 {
		params.Content = openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(msg.Text)}
	} else {
		parts := make([]openai.MessageContentPartParamUnion, 0, len(msg.ImageURLs)+1)
		if msg.Text != "" {
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfText: &openai.TextContentBlockParam{Text: msg.Text},
			})
		}
		for _, u := range msg.ImageURLs {
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfImageURL: &openai.ImageURLContentBlockParam{ImageURL: openai.ImageURLParam{URL: u}},
			})
		}
		params.Content = openai.BetaThreadMessageNewParamsContentUnion{OfArrayOfContentParts: parts}
	}
	_, err := a.client.Beta.Threads.Messages.New(ctx, threadID, params)
	return classify(err)
}

func (a *OpenAIAPI) CreateRun(ctx context.Context, threadID, assistantID string) (Run, error) {
	r, err := a.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{AssistantID: assistantID})
	if err != nil {
		return Run{}, classify(err)
	}
	return toRun(threadID, r), nil
}

func (a *OpenAIAPI) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	r, err := a.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return Run{}, classify(err)
	}
	return toRun(threadID, r), nil
}

func (a *OpenAIAPI) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.CallID),
			Output:     openai.String(o.Output),
		})
	}
	r, err := a.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, params)
	if err != nil {
		return Run{}, classify(err)
	}
	return toRun(threadID, r), nil
}

func (a *OpenAIAPI) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := a.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	return classify(err)
}

func (a *OpenAIAPI) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	page, err := a.client.Beta.Threads.Runs.List(ctx, threadID, openai.BetaThreadRunListParams{
		Limit: openai.Int(int64(limit)),
	})
	if err != nil {
		return nil, classify(err)
	}
	runs := make([]Run, 0, len(page.Data))
	for i := range page.Data {
		runs = append(runs, toRun(threadID, &page.Data[i]))
	}
	return runs, nil
}

func (a *OpenAIAPI) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	page, err := a.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(1),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(page.Data) == 0 || page.Data[0].Role != "assistant" {
		return "", nil
	}
	var parts []string
	for _, c := range page.Data[0].Content {
		if c.Type == "text" && strings.TrimSpace(c.Text.Value) != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func toRun(threadID string, r *openai.Run) Run {
	out := Run{
		ID:           r.ID,
		ThreadID:     threadID,
		Status:       RunStatus(r.Status),
		CreatedAt:    time.Unix(r.CreatedAt, 0),
		ErrorCode:    string(r.LastError.Code),
		ErrorMessage: r.LastError.Message,
		TotalTokens:  r.Usage.TotalTokens,
	}
	for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// classify converts SDK errors into *APIError so callers can match the
// package sentinels. Transport errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
