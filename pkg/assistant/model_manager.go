package assistant

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"deskagent/pkg/settings"
)

// GetAvailableModels lists the models the configured provider offers.
func GetAvailableModels(ctx context.Context, cfg settings.LLMConfig) ([]string, error) {
	if cfg.Provider == "anthropic" {
		// The Anthropic models endpoint is not used; report the configured model.
		return []string{cfg.Model}, nil
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	client := openai.NewClientWithConfig(config)

	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var modelNames []string
	for _, model := range list.Models {
		modelNames = append(modelNames, model.ID)
	}
	sort.Strings(modelNames)
	return modelNames, nil
}

// FilterModels keeps model names containing substr, case-insensitively.
func FilterModels(models []string, substr string) []string {
	if substr == "" {
		return models
	}
	substr = strings.ToLower(substr)
	var out []string
	for _, m := range models {
		if strings.Contains(strings.ToLower(m), substr) {
			out = append(out, m)
		}
	}
	return out
}

// ValidateModel checks that modelName is offered by the provider.
func ValidateModel(ctx context.Context, cfg settings.LLMConfig, modelName string) error {
	models, err := GetAvailableModels(ctx, cfg)
	if err != nil {
		return err
	}
	for _, model := range models {
		if model == modelName {
			return nil
		}
	}
	return fmt.Errorf("model '%s' not found in available models", modelName)
}
