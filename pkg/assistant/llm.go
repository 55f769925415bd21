package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"deskagent/pkg/settings"
	"deskagent/pkg/types"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Generator sends a conversation to a language model and returns its raw reply.
type Generator interface {
	Generate(ctx context.Context, messages []types.Message, systemPromptID string) (string, error)
}

// NewGenerator creates the generator for cfg.Provider.
func NewGenerator(cfg settings.LLMConfig, prompts *PromptStore, logger *zap.Logger) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case "openrouter", "openai":
		return NewOpenAIChat(cfg, prompts, logger), nil
	case "anthropic":
		return NewClaudeChat(cfg, prompts, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: openrouter, openai, anthropic)", cfg.Provider)
	}
}

// trimRequest keeps the first message and the most recent max-1 messages.
func trimRequest(messages []types.Message, max int) []types.Message {
	if max <= 1 || len(messages) <= max {
		return messages
	}
	out := make([]types.Message, 0, max)
	out = append(out, messages[0])
	return append(out, messages[len(messages)-(max-1):]...)
}

// OpenAIChat talks to any OpenAI-compatible chat endpoint, OpenRouter included.
type OpenAIChat struct {
	client      *openai.Client
	model       string
	maxTokens   int
	maxMessages int
	prompts     *PromptStore
	logger      *zap.Logger
}

// NewOpenAIChat creates the OpenAI-compatible generator.
func NewOpenAIChat(cfg settings.LLMConfig, prompts *PromptStore, logger *zap.Logger) *OpenAIChat {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAIChat{
		client:      openai.NewClientWithConfig(config),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		maxMessages: cfg.MaxRequestMessages,
		prompts:     prompts,
		logger:      logger.Named("llm"),
	}
}

// Generate implements Generator.
func (c *OpenAIChat) Generate(ctx context.Context, messages []types.Message, systemPromptID string) (string, error) {
	system, err := c.prompts.Load(systemPromptID)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range trimRequest(messages, c.maxMessages) {
		req.Messages = append(req.Messages, toOpenAIMessage(m))
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("Model replied",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessage(m types.Message) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if m.Role == types.RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}
	hasImage := false
	for _, p := range m.Parts {
		if p.IsImage() {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: role, Content: m.Text()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.IsImage() {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
			})
			continue
		}
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// ClaudeChat talks to Anthropic's Messages API.
type ClaudeChat struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	maxMessages int
	prompts     *PromptStore
	logger      *zap.Logger
}

// NewClaudeChat creates the Anthropic generator.
func NewClaudeChat(cfg settings.LLMConfig, prompts *PromptStore, logger *zap.Logger) *ClaudeChat {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	model := cfg.Model
	if model == "" || strings.Contains(model, "/") {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &ClaudeChat{
		client:      &client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		maxMessages: cfg.MaxRequestMessages,
		prompts:     prompts,
		logger:      logger.Named("llm"),
	}
}

// Generate implements Generator.
func (c *ClaudeChat) Generate(ctx context.Context, messages []types.Message, systemPromptID string) (string, error) {
	system, err := c.prompts.Load(systemPromptID)
	if err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range trimRequest(messages, c.maxMessages) {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.IsImage() {
				mediaType, data, ok := splitDataURL(p.ImageURL)
				if !ok {
					continue
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
				continue
			}
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == types.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("Claude API error: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", ErrEmptyResponse
}

// splitDataURL splits "data:<media>;base64,<data>".
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	mediaType, data, found = strings.Cut(rest, ";base64,")
	if !found || mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}
