package domain

// ModelSpec describes a model available in the system, either local (Ollama)
// or remote (OpenAI-compatible).
type ModelSpec struct {
	ID       string `json:"id"`       // unique key: "qwen2.5:7b", "gpt-4o-mini"
	Name     string `json:"name"`     // human-readable name
	Provider string `json:"provider"` // "ollama", "openai"
	Size     string `json:"size"`     // parameter count: "3B", "7B", "70B"
	BaseURL  string `json:"base_url"` // endpoint override; empty = provider default
	IsLocal  bool   `json:"is_local"` // true = local inference
}
