package domain

// ProviderConfig holds configuration for the reasoning provider
type ProviderConfig struct {
	LLM LLMProviderConfig `json:"llm"`
}

// LLMProviderConfig configures the LLM provider
type LLMProviderConfig struct {
	Mode         string `json:"mode"`          // "local" or "remote"
	LocalURL     string `json:"local_url"`     // "http://localhost:11434"
	RemoteURL    string `json:"remote_url"`    // "https://api.openai.com/v1"
	APIKey       string `json:"api_key"`       // Encrypted in storage
	DefaultModel string `json:"default_model"` // "qwen2.5:7b" or "gpt-4o-mini"
}

// AgentConfig holds the reasoning loop tunables.
type AgentConfig struct {
	// MaxSteps is the step budget of a fresh run.
	MaxSteps int `json:"max_steps"`
	// ConfirmationExtraSteps is granted on resume so the model has room to
	// summarize after the confirmed tool executes.
	ConfirmationExtraSteps int `json:"confirmation_extra_steps"`
	// HistoryWindow is how many prior messages are replayed to the model.
	HistoryWindow int `json:"history_window"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Providers ProviderConfig `json:"providers"`
	Agent     AgentConfig    `json:"agent"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:         "local",
				LocalURL:     "http://localhost:11434",
				DefaultModel: "qwen2.5:7b",
			},
		},
		Agent: AgentConfig{
			MaxSteps:               10,
			ConfirmationExtraSteps: 3,
			HistoryWindow:          20,
		},
	}
}
