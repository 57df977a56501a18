package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// ModelDiscovery probes an Ollama instance for installed models.
type ModelDiscovery struct {
	logger *slog.Logger
	client *http.Client
}

// NewModelDiscovery creates a new model discovery service.
func NewModelDiscovery(logger *slog.Logger) *ModelDiscovery {
	return &ModelDiscovery{
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ollamaTagsResponse is the Ollama /api/tags JSON structure.
type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Details struct {
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
			Family            string `json:"family"`
		} `json:"details"`
	} `json:"models"`
}

// DiscoverOllama queries the Ollama instance at baseURL for installed models.
func (d *ModelDiscovery) DiscoverOllama(ctx context.Context, baseURL string) ([]domain.ModelSpec, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	url := baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("ollama returned %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}

	models := make([]domain.ModelSpec, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, domain.ModelSpec{
			ID:       m.Name,
			Name:     m.Name,
			Provider: "ollama",
			Size:     m.Details.ParameterSize,
			BaseURL:  baseURL,
			IsLocal:  true,
		})
	}

	d.logger.Info("discovered ollama models", "count", len(models), "base_url", baseURL)
	return models, nil
}
