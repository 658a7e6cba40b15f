package ai

import (
	"fmt"
	"strings"
)

// Provider names accepted in service config.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ProviderConfig selects and configures one model backend.
type ProviderConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return ProviderOpenAI
	}
	return p
}

// NewEmbedder builds the embedder named by cfg.Provider (default openai).
func NewEmbedder(cfg ProviderConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	switch normalizeProvider(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIEmbedder(NewOpenAIClient(cfg.BaseURL, cfg.APIKey), cfg.Model, cfg.Dimension), nil
	case ProviderOllama:
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// NewChatStreamer builds the streaming chat backend named by cfg.Provider.
func NewChatStreamer(cfg ProviderConfig) (ChatStreamer, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch normalizeProvider(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIStreamer(NewOpenAIClient(cfg.BaseURL, cfg.APIKey), cfg.Model), nil
	case ProviderOllama:
		return NewOllamaStreamer(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}
