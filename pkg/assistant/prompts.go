package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PromptStore loads system prompts from <dir>/<id>.md and keeps them cached.
type PromptStore struct {
	dir   string
	cache *lru.Cache[string, string]
}

// NewPromptStore creates a store reading from dir.
func NewPromptStore(dir string) *PromptStore {
	cache, err := lru.New[string, string](32)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &PromptStore{dir: dir, cache: cache}
}

// Load returns the prompt text for id.
func (s *PromptStore) Load(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if text, ok := s.cache.Get(id); ok {
		return text, nil
	}
	if strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid prompt id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+".md"))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %q: %w", id, err)
	}
	text := strings.TrimSpace(string(data))
	s.cache.Add(id, text)
	return text, nil
}
