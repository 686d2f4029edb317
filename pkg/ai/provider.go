package ai

import (
	"fmt"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// ProviderConfig selects and configures a completion backend.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewCompletionClient builds the client for cfg.Provider (default "openai").
func NewCompletionClient(cfg ProviderConfig) (CompletionClient, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("completion model required")
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	case ProviderGemini:
		client, err := NewGeminiClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown completion provider: %s", provider)
	}
}
