package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

const settingsKey = "app_config"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages persistent settings with encrypted secrets.
// The whole config is stored as one JSON document under a settings key,
// secrets encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads the saved config from the repository, falling back
// to defaults on first boot and persisting them so later reads succeed.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, secret *SecretKey) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	ctx := context.Background()
	cfg, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = domain.DefaultConfig()
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
	}

	store.config = cfg
	return store, nil
}

// OnChange registers a callback for when settings are updated.
// Used to hot-reload the LLM provider without a restart.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API responses, secrets masked.
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	cp.Providers.LLM.APIKey = MaskSecret(cp.Providers.LLM.APIKey)
	return &cp
}

// UpdateConfig validates, encrypts secrets, persists, and triggers onChange
// callbacks. If the update carries an empty or masked api_key the existing
// key is kept, so clients can round-trip the masked config from GET.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	listeners, err := s.applyUpdate(ctx, update)
	if err != nil {
		return err
	}

	// Callbacks run outside the lock so they may read the store.
	for _, fn := range listeners {
		fn(update)
	}
	return nil
}

func (s *SettingsStore) applyUpdate(ctx context.Context, update *domain.AppConfig) ([]OnChangeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.Providers.LLM.APIKey == "" || isMasked(update.Providers.LLM.APIKey) {
		update.Providers.LLM.APIKey = s.config.Providers.LLM.APIKey
	}

	fillDefaults(update)

	if update.Providers.LLM.Mode == "remote" {
		if update.Providers.LLM.RemoteURL == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		if update.Providers.LLM.APIKey == "" {
			return nil, fmt.Errorf("llm api_key is required when mode=remote")
		}
	}

	if err := s.saveToDB(ctx, update); err != nil {
		return nil, err
	}

	s.config = update
	s.logger.Info("settings updated",
		"llm_mode", update.Providers.LLM.Mode,
		"default_model", update.Providers.LLM.DefaultModel,
		"max_steps", update.Agent.MaxSteps,
	)

	return append([]OnChangeFunc(nil), s.onChange...), nil
}

// fillDefaults backfills zero values from the domain defaults so a partial
// update cannot strip the agent loop of its budgets. The default model is
// left alone: each provider mode picks its own when it is empty.
func fillDefaults(cfg *domain.AppConfig) {
	def := domain.DefaultConfig()
	if cfg.Providers.LLM.Mode == "" {
		cfg.Providers.LLM.Mode = def.Providers.LLM.Mode
	}
	if cfg.Providers.LLM.LocalURL == "" {
		cfg.Providers.LLM.LocalURL = def.Providers.LLM.LocalURL
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = def.Agent.MaxSteps
	}
	if cfg.Agent.ConfirmationExtraSteps <= 0 {
		cfg.Agent.ConfirmationExtraSteps = def.Agent.ConfirmationExtraSteps
	}
	if cfg.Agent.HistoryWindow <= 0 {
		cfg.Agent.HistoryWindow = def.Agent.HistoryWindow
	}
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("settings key %q is empty", settingsKey)
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		Providers: domain.ProviderConfig{
			LLM: domain.LLMProviderConfig{
				Mode:         stored.LLM.Mode,
				LocalURL:     stored.LLM.LocalURL,
				RemoteURL:    stored.LLM.RemoteURL,
				DefaultModel: stored.LLM.DefaultModel,
			},
		},
		Agent: stored.Agent,
	}
	fillDefaults(cfg)

	if stored.LLM.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.LLM.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt LLM API key", "error", err)
		} else {
			cfg.Providers.LLM.APIKey = key
		}
	}

	return cfg, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := storedConfig{
		LLM: storedProviderConfig{
			Mode:         cfg.Providers.LLM.Mode,
			LocalURL:     cfg.Providers.LLM.LocalURL,
			RemoteURL:    cfg.Providers.LLM.RemoteURL,
			DefaultModel: cfg.Providers.LLM.DefaultModel,
		},
		Agent: cfg.Agent,
	}

	if cfg.Providers.LLM.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.Providers.LLM.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt LLM API key: %w", err)
		}
		stored.LLM.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedConfig is the DB representation with encrypted fields.
type storedConfig struct {
	LLM   storedProviderConfig `json:"llm"`
	Agent domain.AgentConfig   `json:"agent"`
}

type storedProviderConfig struct {
	Mode            string `json:"mode"`
	LocalURL        string `json:"local_url"`
	RemoteURL       string `json:"remote_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	DefaultModel    string `json:"default_model"`
}

func isMasked(s string) bool {
	return len(s) >= 4 && s[:4] == "****"
}
