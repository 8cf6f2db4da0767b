// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config manages application configuration.
//
// Configuration is stored as TOML at ~/.corsie/config.toml. API keys are
// encrypted at rest (ENC: prefix) via the security package; a missing API key
// is a valid state, not an error. Environment variables (CORSIE_*) override
// file values at load time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/corsie-chat/corsie/internal/security"
	"github.com/corsie-chat/corsie/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// Provider names recognized in [providers.*] sections.
const (
	ProviderDeepSeek   = "deepseek"
	ProviderOpenRouter = "openrouter"
)

// Default endpoints per provider.
const (
	DefaultDeepSeekBaseURL   = "https://api.deepseek.com"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Default models per provider.
const (
	DefaultDeepSeekModel   = "deepseek-chat"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrUnknownKey is returned by Get/Set for an unrecognized dot-notation key.
var ErrUnknownKey = errors.New("unknown config key")

// ValidationError describes a single invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	General   GeneralConfig             `toml:"general"`
	Chat      ChatConfig                `toml:"chat"`
	Retry     RetryConfig               `toml:"retry"`
	Providers map[string]ProviderConfig `toml:"providers"`
}

// GeneralConfig holds application-level settings.
type GeneralConfig struct {
	// Provider is the active provider name ("deepseek" or "openrouter").
	Provider string `toml:"provider"`
	// AutoSave persists each message as it is finalized.
	AutoSave bool `toml:"auto_save"`
	// AutoRename generates a session title after the first exchange.
	AutoRename bool `toml:"auto_rename"`
}

// ChatConfig holds generation parameters applied to every turn.
type ChatConfig struct {
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
	Stream       bool    `toml:"stream"`
	SystemPrompt string  `toml:"system_prompt,omitempty"`
}

// RetryConfig controls the transient-failure retry policy for turns.
type RetryConfig struct {
	MaxRetries  int `toml:"max_retries"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

// ProviderConfig holds per-provider connection settings.
type ProviderConfig struct {
	// APIKey is stored encrypted (ENC: prefix) on disk; in memory it is
	// plaintext. Empty means not configured, which is a valid state.
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Configured reports whether an API key is present.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Provider:   ProviderDeepSeek,
			AutoSave:   true,
			AutoRename: true,
		},
		Chat: ChatConfig{
			Temperature: 0.7,
			MaxTokens:   4096,
			Stream:      true,
		},
		Retry: RetryConfig{
			MaxRetries:  2,
			BaseDelayMS: 1000,
		},
		Providers: map[string]ProviderConfig{
			ProviderDeepSeek: {
				BaseURL:        DefaultDeepSeekBaseURL,
				Model:          DefaultDeepSeekModel,
				TimeoutSeconds: 120,
			},
			ProviderOpenRouter: {
				BaseURL:        DefaultOpenRouterBaseURL,
				Model:          DefaultOpenRouterModel,
				TimeoutSeconds: 120,
			},
		},
	}
}

// fillDefaults backfills fields the file left out so partial configs keep
// working. Presence comes from the decoder's metadata, not from zero values:
// `auto_save = false`, `temperature = 0.0` and `max_retries = 0` are all
// legal explicit settings that must survive a reload.
func (c *Config) fillDefaults(md toml.MetaData) {
	def := Default()
	if c.General.Provider == "" {
		c.General.Provider = def.General.Provider
	}
	if !md.IsDefined("general", "auto_save") {
		c.General.AutoSave = def.General.AutoSave
	}
	if !md.IsDefined("general", "auto_rename") {
		c.General.AutoRename = def.General.AutoRename
	}
	if !md.IsDefined("chat", "temperature") {
		c.Chat.Temperature = def.Chat.Temperature
	}
	if !md.IsDefined("chat", "max_tokens") {
		c.Chat.MaxTokens = def.Chat.MaxTokens
	}
	if !md.IsDefined("chat", "stream") {
		c.Chat.Stream = def.Chat.Stream
	}
	if !md.IsDefined("retry", "max_retries") {
		c.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if !md.IsDefined("retry", "base_delay_ms") {
		c.Retry.BaseDelayMS = def.Retry.BaseDelayMS
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, defP := range def.Providers {
		p := c.Providers[name]
		if p.BaseURL == "" {
			p.BaseURL = defP.BaseURL
		}
		if p.Model == "" {
			p.Model = defP.Model
		}
		if !md.IsDefined("providers", name, "timeout_seconds") {
			p.TimeoutSeconds = defP.TimeoutSeconds
		}
		c.Providers[name] = p
	}
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file at path, backfills defaults, applies CORSIE_*
// environment overrides and decrypts API keys with keeper. A missing file
// yields Default() with env overrides applied.
func Load(path string, keeper *security.Keeper) (*Config, error) {
	cfg := &Config{}

	var md toml.MetaData
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		md, err = toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		cfg = Default()
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.fillDefaults(md)

	if keeper != nil {
		for name, p := range cfg.Providers {
			plain, err := keeper.DecryptString(p.APIKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt %s api key: %w", name, err)
			}
			p.APIKey = plain
			cfg.Providers[name] = p
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path atomically with 0600 permissions, encrypting
// API keys with keeper first. The in-memory config is not mutated.
func Save(cfg *Config, path string, keeper *security.Keeper) error {
	out := cfg.Clone()
	if keeper != nil {
		for name, p := range out.Providers {
			enc, err := keeper.EncryptString(p.APIKey)
			if err != nil {
				return fmt.Errorf("failed to encrypt %s api key: %w", name, err)
			}
			p.APIKey = enc
			out.Providers[name] = p
		}
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// SECURITY: 0600 - config may contain (encrypted) secrets
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for k, v := range c.Providers {
		out.Providers[k] = v
	}
	return &out
}

// =============================================================================
// ENV OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CORSIE_* environment variables over file values.
// CONFIG: env always wins over the file, file wins over defaults.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CORSIE_PROVIDER"); v != "" {
		c.General.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("CORSIE_MODEL"); v != "" {
		p := c.Providers[c.General.Provider]
		p.Model = v
		c.Providers[c.General.Provider] = p
	}
	if v := os.Getenv("CORSIE_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Chat.Temperature = f
		}
	}
	if v := os.Getenv("CORSIE_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chat.MaxTokens = n
		}
	}
	for _, name := range []string{ProviderDeepSeek, ProviderOpenRouter} {
		envKey := "CORSIE_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks value ranges. A missing API key is deliberately NOT a
// validation error: the application runs unconfigured and reports the
// condition only when a request is attempted.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if _, ok := c.Providers[c.General.Provider]; !ok {
		errs = append(errs, ValidationError{
			Field:   "general.provider",
			Message: fmt.Sprintf("unknown provider %q", c.General.Provider),
		})
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "chat.temperature",
			Message: fmt.Sprintf("must be in [0, 2], got %v", c.Chat.Temperature),
		})
	}
	if c.Chat.MaxTokens < 1 {
		errs = append(errs, ValidationError{
			Field:   "chat.max_tokens",
			Message: "must be positive",
		})
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.max_retries",
			Message: "must not be negative",
		})
	}
	if c.Retry.BaseDelayMS < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.base_delay_ms",
			Message: "must not be negative",
		})
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "providers." + name + ".base_url",
				Message: "must not be empty",
			})
		}
		if p.TimeoutSeconds < 0 {
			errs = append(errs, ValidationError{
				Field:   "providers." + name + ".timeout_seconds",
				Message: "must not be negative",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DOT-NOTATION ACCESS
// =============================================================================

// Get returns the value for a dot-notation key, e.g. "chat.temperature" or
// "providers.deepseek.model".
func (c *Config) Get(key string) (any, error) {
	switch key {
	case "general.provider":
		return c.General.Provider, nil
	case "general.auto_save":
		return c.General.AutoSave, nil
	case "general.auto_rename":
		return c.General.AutoRename, nil
	case "chat.temperature":
		return c.Chat.Temperature, nil
	case "chat.max_tokens":
		return c.Chat.MaxTokens, nil
	case "chat.stream":
		return c.Chat.Stream, nil
	case "chat.system_prompt":
		return c.Chat.SystemPrompt, nil
	case "retry.max_retries":
		return c.Retry.MaxRetries, nil
	case "retry.base_delay_ms":
		return c.Retry.BaseDelayMS, nil
	}
	if name, field, ok := providerKey(key); ok {
		p, exists := c.Providers[name]
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		switch field {
		case "api_key":
			return p.APIKey, nil
		case "base_url":
			return p.BaseURL, nil
		case "model":
			return p.Model, nil
		case "timeout_seconds":
			return p.TimeoutSeconds, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// Set assigns a string value to a dot-notation key, converting to the field's
// type. The change is in-memory only; callers persist with Save.
func (c *Config) Set(key, value string) error {
	switch key {
	case "general.provider":
		c.General.Provider = strings.ToLower(value)
		return nil
	case "general.auto_save":
		return setBool(&c.General.AutoSave, key, value)
	case "general.auto_rename":
		return setBool(&c.General.AutoRename, key, value)
	case "chat.temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		c.Chat.Temperature = f
		return nil
	case "chat.max_tokens":
		return setInt(&c.Chat.MaxTokens, key, value)
	case "chat.stream":
		return setBool(&c.Chat.Stream, key, value)
	case "chat.system_prompt":
		c.Chat.SystemPrompt = value
		return nil
	case "retry.max_retries":
		return setInt(&c.Retry.MaxRetries, key, value)
	case "retry.base_delay_ms":
		return setInt(&c.Retry.BaseDelayMS, key, value)
	}
	if name, field, ok := providerKey(key); ok {
		p, exists := c.Providers[name]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		switch field {
		case "api_key":
			p.APIKey = value
		case "base_url":
			p.BaseURL = value
		case "model":
			p.Model = value
		case "timeout_seconds":
			if err := setInt(&p.TimeoutSeconds, key, value); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		c.Providers[name] = p
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

func providerKey(key string) (name, field string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] != "providers" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// ActiveProvider returns the configuration of the active provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.General.Provider]
}
