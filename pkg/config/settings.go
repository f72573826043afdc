// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// SettingsFileName is the settings file name under the system root.
const SettingsFileName = "settings.yaml"

// PassthroughAll is the passthrough_runs value that disables history
// truncation.
const PassthroughAll = "all"

// Settings is the parsed system/settings.yaml.
// Priority: file > environment (ASSISTANTMD_*) > defaults.
type Settings struct {
	Defaults  DefaultsConfig            `mapstructure:"defaults"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    map[string]ModelConfig    `mapstructure:"models"`
	Tools     map[string]ToolConfig     `mapstructure:"tools"`
	Server    ServerConfig              `mapstructure:"server"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// DefaultsConfig holds engine-wide tunables.
type DefaultsConfig struct {
	// APITimeoutSeconds is the per-LLM-call timeout (default: 120)
	APITimeoutSeconds int `mapstructure:"api_timeout_seconds"`

	// ConnectTimeoutSeconds is the HTTP connect timeout (default: 10)
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds"`

	// Model is the alias used when a step or chat session names none.
	Model string `mapstructure:"model"`

	// PassthroughRuns is "all" or a non-negative integer: how many trailing
	// user/assistant pairs pass to the chat model unsummarized.
	PassthroughRuns string `mapstructure:"passthrough_runs"`

	// WeekStartDay names the first day of the week for {this-week} patterns.
	WeekStartDay string `mapstructure:"week_start_day"`

	// LatestCap bounds {latest} with no explicit count (default: 50)
	LatestCap int `mapstructure:"latest_cap"`

	// PendingDefault is the default count for {pending} (default: 10)
	PendingDefault int `mapstructure:"pending_default"`

	// RecentRuns is the default @recent-runs for context steps (default: 5)
	RecentRuns int `mapstructure:"recent_runs"`

	// RecentSummaries is the default @recent-summaries (default: 3)
	RecentSummaries int `mapstructure:"recent_summaries"`

	// TokenThreshold is the default @token-threshold; 0 never skips.
	TokenThreshold int `mapstructure:"token_threshold"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	// Kind is one of anthropic, openai, ollama, bedrock, echo.
	Kind string `mapstructure:"kind"`

	// Endpoint overrides the provider base URL (required for ollama).
	Endpoint string `mapstructure:"endpoint"`

	// Secret names the secrets.yaml key holding the API key. Empty means
	// the provider needs no secret (ollama, echo).
	Secret string `mapstructure:"secret"`

	// Region and Profile apply to bedrock only.
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// ModelConfig maps a friendly alias to a concrete provider model.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"`
	ModelID     string  `mapstructure:"model_id"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	Thinking    bool    `mapstructure:"thinking"`
}

// ToolConfig gates a built-in tool.
type ToolConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Secret names a secrets.yaml key the tool needs; when the secret is
	// absent the tool is listed as unavailable rather than failing.
	Secret string `mapstructure:"secret"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// SchedulerConfig holds scheduler persistence configuration.
type SchedulerConfig struct {
	// DBPath overrides the job database path (default: {system}/scheduler.db)
	DBPath string `mapstructure:"db_path"`

	// HotReload rescans vaults when workflow files change (default: true)
	HotReload bool `mapstructure:"hot_reload"`

	// Timezone for cron evaluation (default: local)
	Timezone string `mapstructure:"timezone"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// LoadSettings reads settings.yaml from the system root. A missing file is
// not an error: defaults plus environment apply.
func LoadSettings(systemRoot string) (*Settings, error) {
	v := viper.New()
	setSettingsDefaults(v)

	v.SetConfigFile(filepath.Join(systemRoot, SettingsFileName))
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading settings file %s: %w", v.ConfigFileUsed(), err)
			}
		}
		// Missing settings file: defaults + env vars apply.
	}

	v.SetEnvPrefix("ASSISTANTMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("defaults.api_timeout_seconds", 120)
	v.SetDefault("defaults.connect_timeout_seconds", 10)
	v.SetDefault("defaults.model", "")
	v.SetDefault("defaults.passthrough_runs", PassthroughAll)
	v.SetDefault("defaults.week_start_day", "monday")
	v.SetDefault("defaults.latest_cap", 50)
	v.SetDefault("defaults.pending_default", 10)
	v.SetDefault("defaults.recent_runs", 5)
	v.SetDefault("defaults.recent_summaries", 3)
	v.SetDefault("defaults.token_threshold", 0)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("scheduler.hot_reload", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks cross-references between the model, provider, and tool
// registries.
func (s *Settings) Validate() error {
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", s.Server.Port)
	}

	if s.Defaults.PassthroughRuns != PassthroughAll {
		n, err := strconv.Atoi(s.Defaults.PassthroughRuns)
		if err != nil || n < 0 {
			return fmt.Errorf("defaults.passthrough_runs must be %q or a non-negative integer, got %q",
				PassthroughAll, s.Defaults.PassthroughRuns)
		}
	}

	if _, err := patterns.ParseWeekday(s.Defaults.WeekStartDay); err != nil {
		return fmt.Errorf("defaults.week_start_day: %w", err)
	}

	for name, p := range s.Providers {
		switch p.Kind {
		case "anthropic", "openai", "ollama", "bedrock", "echo":
		case "":
			return fmt.Errorf("provider %q: kind is required (anthropic, openai, ollama, bedrock)", name)
		default:
			return fmt.Errorf("provider %q: unsupported kind %q (must be anthropic, openai, ollama, or bedrock)", name, p.Kind)
		}
	}

	for alias, m := range s.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %q: provider is required", alias)
		}
		if _, ok := s.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", alias, m.Provider)
		}
		if m.ModelID == "" {
			return fmt.Errorf("model %q: model_id is required", alias)
		}
	}

	if s.Defaults.Model != "" {
		if _, ok := s.Models[s.Defaults.Model]; !ok {
			return fmt.Errorf("defaults.model references unknown model alias %q", s.Defaults.Model)
		}
	}

	return nil
}

// PassthroughRunCount resolves the passthrough_runs setting.
// Returns (0, true) for "all".
func (s *Settings) PassthroughRunCount() (n int, all bool) {
	if s.Defaults.PassthroughRuns == PassthroughAll || s.Defaults.PassthroughRuns == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s.Defaults.PassthroughRuns)
	if err != nil || n < 0 {
		return 0, true
	}
	return n, false
}

// APITimeout returns the per-LLM-call timeout.
func (s *Settings) APITimeout() time.Duration {
	if s.Defaults.APITimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.Defaults.APITimeoutSeconds) * time.Second
}

// ConnectTimeout returns the HTTP connect timeout.
func (s *Settings) ConnectTimeout() time.Duration {
	if s.Defaults.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.Defaults.ConnectTimeoutSeconds) * time.Second
}
