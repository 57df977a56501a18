package providers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/emberfell/scribeOS/internal/adapters/llm"
	"github.com/emberfell/scribeOS/internal/core/domain"
)

// Build creates the reasoning provider from app configuration. It hides
// local/remote selection from callers.
func Build(config *domain.AppConfig) (domain.LLMProvider, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	cfg := config.Providers.LLM
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		baseURL := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(cfg.LocalURL)
		}
		baseURL = normalizeOllamaBaseURL(baseURL)
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(cfg.DefaultModel)), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

// normalizeOllamaBaseURL strips a trailing /v1 so both native and
// OpenAI-compatible URLs point the native client at the same instance.
func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}

// Switchable is a provider handle whose backend can be replaced at
// runtime, used for settings hot-reload. In-flight calls keep the provider
// they started with.
type Switchable struct {
	mu    sync.RWMutex
	inner domain.LLMProvider
}

// NewSwitchable wraps an initial provider.
func NewSwitchable(initial domain.LLMProvider) *Switchable {
	return &Switchable{inner: initial}
}

// ChatWithTools implements domain.LLMProvider by delegating to the
// current backend.
func (s *Switchable) ChatWithTools(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	s.mu.RLock()
	p := s.inner
	s.mu.RUnlock()
	return p.ChatWithTools(ctx, req)
}

// Swap replaces the backend for all future calls.
func (s *Switchable) Swap(p domain.LLMProvider) {
	s.mu.Lock()
	s.inner = p
	s.mu.Unlock()
}

// Rebuild constructs a provider from config and swaps it in.
func (s *Switchable) Rebuild(config *domain.AppConfig) error {
	p, err := Build(config)
	if err != nil {
		return err
	}
	s.Swap(p)
	return nil
}
