// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package factory resolves model aliases from settings into provider
// clients. Workflows and chat sessions name models by alias (`@model
// fast`); the factory owns the mapping to a concrete provider, model ID,
// and credentials.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/llm"
	"github.com/assistantmd/assistantmd/pkg/llm/anthropic"
	"github.com/assistantmd/assistantmd/pkg/llm/bedrock"
	"github.com/assistantmd/assistantmd/pkg/llm/echo"
	"github.com/assistantmd/assistantmd/pkg/llm/ollama"
	"github.com/assistantmd/assistantmd/pkg/llm/openai"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// Well-known secrets.yaml keys for Bedrock. All are optional; without
// them the client falls back to the provider's profile or the default
// AWS credentials chain.
const (
	SecretAWSAccessKeyID     = "aws_access_key_id"
	SecretAWSSecretAccessKey = "aws_secret_access_key"
	SecretAWSSessionToken    = "aws_session_token"
)

// ProviderFactory builds and caches provider clients keyed by model
// alias. Clients are safe for concurrent use, so one instance per alias
// serves all workflows and chat sessions.
type ProviderFactory struct {
	settings *config.Settings
	secrets  *config.Secrets
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]types.LLMProvider
}

// New creates a provider factory.
func New(settings *config.Settings, secrets *config.Secrets, logger *zap.Logger) *ProviderFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderFactory{
		settings: settings,
		secrets:  secrets,
		logger:   logger,
		cache:    make(map[string]types.LLMProvider),
	}
}

// Provider resolves a model alias using the thinking mode configured in
// settings.
func (f *ProviderFactory) Provider(alias string) (types.LLMProvider, error) {
	model, ok := f.settings.Models[alias]
	if !ok {
		return nil, unknownAlias(alias)
	}
	return f.ProviderWithThinking(alias, model.Thinking)
}

// ProviderWithThinking resolves a model alias with an explicit thinking
// mode, as requested by a workflow's model directive.
func (f *ProviderFactory) ProviderWithThinking(alias string, thinking bool) (types.LLMProvider, error) {
	key := fmt.Sprintf("%s|thinking=%t", alias, thinking)

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[key]; ok {
		return p, nil
	}

	model, provider, secret, err := f.resolve(alias)
	if err != nil {
		return nil, err
	}

	p, err := f.build(model, provider, secret, thinking)
	if err != nil {
		return nil, err
	}

	f.logger.Info("Created LLM provider",
		zap.String("alias", alias),
		zap.String("provider", p.Name()),
		zap.String("model", p.Model()),
		zap.Bool("thinking", thinking))

	f.cache[key] = p
	return p, nil
}

// IsAvailable reports whether an alias resolves to a usable provider:
// the alias exists, its provider exists, and any required secret is
// configured.
func (f *ProviderFactory) IsAvailable(alias string) bool {
	_, _, _, err := f.resolve(alias)
	return err == nil
}

// Aliases lists the configured model aliases, sorted.
func (f *ProviderFactory) Aliases() []string {
	aliases := make([]string, 0, len(f.settings.Models))
	for alias := range f.settings.Models {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// ModelStatus describes one configured model alias for the status API.
type ModelStatus struct {
	Alias     string `json:"alias"`
	Provider  string `json:"provider"`
	ModelID   string `json:"model_id"`
	Thinking  bool   `json:"thinking"`
	Available bool   `json:"available"`
}

// Models reports every configured alias sorted by name. Unavailable
// aliases are included so clients can show what still needs configuring.
func (f *ProviderFactory) Models() []ModelStatus {
	statuses := make([]ModelStatus, 0, len(f.settings.Models))
	for _, alias := range f.Aliases() {
		model := f.settings.Models[alias]
		statuses = append(statuses, ModelStatus{
			Alias:     alias,
			Provider:  model.Provider,
			ModelID:   model.ModelID,
			Thinking:  model.Thinking,
			Available: f.IsAvailable(alias),
		})
	}
	return statuses
}

// resolve walks alias → model → provider → secret without constructing a
// client.
func (f *ProviderFactory) resolve(alias string) (config.ModelConfig, config.ProviderConfig, string, error) {
	model, ok := f.settings.Models[alias]
	if !ok {
		return config.ModelConfig{}, config.ProviderConfig{}, "", unknownAlias(alias)
	}

	provider, ok := f.settings.Providers[model.Provider]
	if !ok {
		return config.ModelConfig{}, config.ProviderConfig{}, "", &config.ConfigurationError{
			Setting: "providers." + model.Provider,
			Message: fmt.Sprintf("model %q references unknown provider", alias),
		}
	}

	var secret string
	if provider.Secret != "" {
		value, ok := f.secrets.Get(provider.Secret)
		if !ok || value == "" {
			return config.ModelConfig{}, config.ProviderConfig{}, "", &config.ConfigurationError{
				Setting: "providers." + model.Provider,
				Secret:  provider.Secret,
				Message: "secret not configured",
			}
		}
		secret = value
	}

	return model, provider, secret, nil
}

func (f *ProviderFactory) build(model config.ModelConfig, provider config.ProviderConfig, secret string, thinking bool) (types.LLMProvider, error) {
	rlConfig := llm.RateLimiterConfig{Enabled: true, Logger: f.logger}

	switch provider.Kind {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:            secret,
			BaseURL:           provider.Endpoint,
			Model:             model.ModelID,
			MaxTokens:         model.MaxTokens,
			Temperature:       model.Temperature,
			Thinking:          thinking,
			RateLimiterConfig: rlConfig,
		})

	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:            secret,
			Model:             model.ModelID,
			Endpoint:          provider.Endpoint,
			Timeout:           f.settings.APITimeout(),
			ConnectTimeout:    f.settings.ConnectTimeout(),
			MaxTokens:         model.MaxTokens,
			Temperature:       model.Temperature,
			RateLimiterConfig: rlConfig,
		})

	case "ollama":
		return ollama.NewClient(ollama.Config{
			Endpoint:       provider.Endpoint,
			Model:          model.ModelID,
			MaxTokens:      model.MaxTokens,
			Temperature:    model.Temperature,
			Timeout:        f.settings.APITimeout(),
			ConnectTimeout: f.settings.ConnectTimeout(),
		}), nil

	case "bedrock":
		accessKeyID, _ := f.secrets.Get(SecretAWSAccessKeyID)
		secretAccessKey, _ := f.secrets.Get(SecretAWSSecretAccessKey)
		sessionToken, _ := f.secrets.Get(SecretAWSSessionToken)
		return bedrock.NewClient(bedrock.Config{
			Region:            provider.Region,
			Profile:           provider.Profile,
			AccessKeyID:       accessKeyID,
			SecretAccessKey:   secretAccessKey,
			SessionToken:      sessionToken,
			ModelID:           model.ModelID,
			MaxTokens:         model.MaxTokens,
			Temperature:       model.Temperature,
			Thinking:          thinking,
			RateLimiterConfig: rlConfig,
		})

	case "echo":
		return echo.New(echo.Config{Model: model.ModelID}), nil

	default:
		return nil, &config.ConfigurationError{
			Setting: "providers",
			Message: fmt.Sprintf("unsupported provider kind %q", provider.Kind),
		}
	}
}

func unknownAlias(alias string) error {
	return &config.ConfigurationError{
		Setting: "models." + alias,
		Message: "unknown model alias",
	}
}
