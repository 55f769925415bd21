package voice

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperTranscriber sends segments to an OpenAI-compatible transcription endpoint.
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisperTranscriber(apiKey, baseURL, model, language string, timeout time.Duration) *WhisperTranscriber {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{Timeout: timeout}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		language: language,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, seg Segment) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(EncodeWAV(seg.Samples, seg.SampleRate)),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	return resp.Text, nil
}
