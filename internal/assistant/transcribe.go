package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

const maxVoiceBytes = 25 << 20

// OpenAITranscriber downloads the media link and transcribes it with the
// OpenAI audio endpoint.
type OpenAITranscriber struct {
	client   openai.Client
	http     *http.Client
	language string
	// authToken is sent when downloading media from the provider.
	authToken string
}

func NewOpenAITranscriber(apiKey, language, mediaToken string) *OpenAITranscriber {
	return &OpenAITranscriber{
		client:    openai.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey))),
		http:      &http.Client{Timeout: 30 * time.Second},
		language:  language,
		authToken: mediaToken,
	}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	data, err := t.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	name := path.Base(strings.SplitN(mediaURL, "?", 2)[0])
	if name == "" || name == "." || name == "/" || !strings.Contains(name, ".") {
		name = "voice.ogg"
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), name, "audio/ogg"),
		Model: openai.AudioModelWhisper1,
	}
	if t.language != "" {
		params.Language = openai.String(t.language)
	}
	tr, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", classify(err))
	}
	return strings.TrimSpace(tr.Text), nil
}

func (t *OpenAITranscriber) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download voice: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read voice: %w", err)
	}
	if len(data) > maxVoiceBytes {
		return nil, fmt.Errorf("voice note exceeds %d bytes", maxVoiceBytes)
	}
	return data, nil
}
