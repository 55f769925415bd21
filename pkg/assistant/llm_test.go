package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskagent/pkg/settings"
	"deskagent/pkg/types"
)

func writePrompt(t *testing.T, dir, id, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(text), 0644))
}

func TestPromptStore_LoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system", "  You control a desktop.\n")
	store := NewPromptStore(dir)

	text, err := store.Load("system")
	require.NoError(t, err)
	assert.Equal(t, "You control a desktop.", text)

	require.NoError(t, os.Remove(filepath.Join(dir, "system.md")))
	text, err = store.Load("system")
	require.NoError(t, err, "served from cache")
	assert.Equal(t, "You control a desktop.", text)

	_, err = store.Load("missing")
	assert.Error(t, err)
	_, err = store.Load("../etc/passwd")
	assert.Error(t, err)

	text, err = store.Load("")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTrimRequest(t *testing.T) {
	var msgs []types.Message
	for i := 0; i < 14; i++ {
		msgs = append(msgs, types.TextMessage(types.RoleUser, string(rune('a'+i))))
	}
	trimmed := trimRequest(msgs, 10)
	require.Len(t, trimmed, 10)
	assert.Equal(t, "a", trimmed[0].Text())
	assert.Equal(t, "f", trimmed[1].Text())
	assert.Equal(t, "n", trimmed[9].Text())
	assert.Len(t, msgs, 14, "input untouched")

	assert.Len(t, trimRequest(msgs[:5], 10), 5)
}

type capturedRequest struct {
	mu   sync.Mutex
	path string
	body map[string]any
}

func (c *capturedRequest) handler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		c.mu.Lock()
		c.path = r.URL.Path
		c.body = map[string]any{}
		_ = json.Unmarshal(data, &c.body)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, response)
	}
}

func TestOpenAIChat_Generate(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system", "system prompt")

	var captured capturedRequest
	srv := httptest.NewServer(captured.handler(t, `{
		"id":"c1","object":"chat.completion","model":"m",
		"choices":[{"index":0,"message":{"role":"assistant","content":"Clicking {\"command\":\"mouse_button\",\"params\":{}}"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	defer srv.Close()

	chat := NewOpenAIChat(settings.LLMConfig{
		Provider: "openrouter", Model: "m", BaseURL: srv.URL + "/v1", APIKey: "k",
		Timeout: 5 * time.Second, MaxRequestMessages: 10, MaxTokens: 64,
	}, NewPromptStore(dir), zap.NewNop())

	msgs := []types.Message{
		types.TextMessage(types.RoleUser, "New task: open notes"),
		{Role: types.RoleUser, Parts: []types.Part{{Text: "Fullscreen screenshot:"}, {ImageURL: "data:image/jpeg;base64,AAAA"}}},
	}
	reply, err := chat.Generate(context.Background(), msgs, "system")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "Clicking"))

	captured.mu.Lock()
	defer captured.mu.Unlock()
	assert.Equal(t, "/v1/chat/completions", captured.path)
	sent := captured.body["messages"].([]any)
	require.Len(t, sent, 3)
	assert.Equal(t, "system", sent[0].(map[string]any)["role"])
	assert.Equal(t, "system prompt", sent[0].(map[string]any)["content"])
	parts := sent[2].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestOpenAIChat_EmptyChoices(t *testing.T) {
	var captured capturedRequest
	srv := httptest.NewServer(captured.handler(t, `{"id":"c1","object":"chat.completion","choices":[]}`))
	defer srv.Close()

	chat := NewOpenAIChat(settings.LLMConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, NewPromptStore(t.TempDir()), zap.NewNop())
	_, err := chat.Generate(context.Background(), []types.Message{types.TextMessage(types.RoleUser, "hi")}, "")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIChat_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	chat := NewOpenAIChat(settings.LLMConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, NewPromptStore(t.TempDir()), zap.NewNop())
	_, err := chat.Generate(context.Background(), []types.Message{types.TextMessage(types.RoleUser, "hi")}, "")
	assert.Error(t, err)
}

func TestClaudeChat_Generate(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "system", "system prompt")

	var captured capturedRequest
	srv := httptest.NewServer(captured.handler(t, `{
		"id":"msg_1","type":"message","role":"assistant","model":"claude",
		"content":[{"type":"text","text":"Done"}],
		"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	defer srv.Close()

	chat := NewClaudeChat(settings.LLMConfig{
		Provider: "anthropic", Model: "claude-test", BaseURL: srv.URL, APIKey: "k",
		Timeout: 5 * time.Second, MaxRequestMessages: 10, MaxTokens: 64,
	}, NewPromptStore(dir), zap.NewNop())

	msgs := []types.Message{
		{Role: types.RoleUser, Parts: []types.Part{{Text: "look"}, {ImageURL: "data:image/jpeg;base64,AAAA"}}},
	}
	reply, err := chat.Generate(context.Background(), msgs, "system")
	require.NoError(t, err)
	assert.Equal(t, "Done", reply)

	captured.mu.Lock()
	defer captured.mu.Unlock()
	assert.Contains(t, captured.path, "messages")
	assert.Equal(t, "claude-test", captured.body["model"])
	sent := captured.body["messages"].([]any)
	require.Len(t, sent, 1)
	content := sent[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[1].(map[string]any)["type"])
}

func TestNewGenerator(t *testing.T) {
	store := NewPromptStore(t.TempDir())

	_, err := NewGenerator(settings.LLMConfig{Provider: "openrouter"}, store, zap.NewNop())
	assert.Error(t, err, "missing key")

	g, err := NewGenerator(settings.LLMConfig{Provider: "openai", APIKey: "k", Timeout: time.Second}, store, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &OpenAIChat{}, g)

	g, err = NewGenerator(settings.LLMConfig{Provider: "anthropic", APIKey: "k", Timeout: time.Second}, store, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ClaudeChat{}, g)

	_, err = NewGenerator(settings.LLMConfig{Provider: "ollama", APIKey: "k"}, store, zap.NewNop())
	assert.Error(t, err)
}

func TestSplitDataURL(t *testing.T) {
	media, data, ok := splitDataURL("data:image/jpeg;base64,QUJD")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", media)
	assert.Equal(t, "QUJD", data)

	_, _, ok = splitDataURL("https://example.com/a.jpg")
	assert.False(t, ok)
}

func TestGetAvailableModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"openai/gpt-4o"},{"id":"google/gemini-2.0-flash-001"}]}`)
	}))
	defer srv.Close()

	cfg := settings.LLMConfig{Provider: "openrouter", BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}
	models, err := GetAvailableModels(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"google/gemini-2.0-flash-001", "openai/gpt-4o"}, models)
	assert.Equal(t, []string{"openai/gpt-4o"}, FilterModels(models, "GPT"))

	assert.NoError(t, ValidateModel(context.Background(), cfg, "openai/gpt-4o"))
	assert.Error(t, ValidateModel(context.Background(), cfg, "missing"))
}

func TestIsDangerousText(t *testing.T) {
	assert.True(t, IsDangerousText("sudo RM -RF /"))
	assert.True(t, IsDangerousText("shutdown /s /t 0"))
	assert.False(t, IsDangerousText("hello world"))
	assert.False(t, IsDangerousText("format the document nicely"))
}
