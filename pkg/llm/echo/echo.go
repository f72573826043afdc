// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package echo provides a deterministic in-process provider. It answers
// with its own prompt, so runs are reproducible and tests never touch
// the network.
package echo

import (
	"context"
	"strings"
	"sync"

	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// DefaultModel is the model identifier the provider reports.
const DefaultModel = "echo-1"

// Config holds configuration for the echo provider.
type Config struct {
	// Model is the reported model identifier.
	Model string

	// Prefix is prepended to every echoed response.
	Prefix string

	// Script supplies canned responses consumed in order, one per Chat
	// call. Once exhausted the provider falls back to echoing.
	Script []string
}

// Provider echoes the final user message of each conversation. Given the
// same prompt it always produces the same response, and it never errors.
type Provider struct {
	model  string
	prefix string

	mu     sync.Mutex
	script []string
}

// New creates an echo provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Provider{
		model:  cfg.Model,
		prefix: cfg.Prefix,
		script: append([]string(nil), cfg.Script...),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "echo"
}

// Model returns the model identifier.
func (p *Provider) Model() string {
	return p.model
}

// Chat returns the next scripted response, or echoes the final user
// message.
func (p *Provider) Chat(ctx context.Context, messages []types.Message, toolset []tools.Tool) (*types.LLMResponse, error) {
	content := p.nextResponse(messages)

	return &types.LLMResponse{
		Content:    content,
		StopReason: "end_turn",
		Usage:      estimateUsage(messages, content),
		Metadata: map[string]interface{}{
			"model":    p.model,
			"messages": len(messages),
		},
	}, nil
}

// ChatStream streams the response word by word before returning it whole.
func (p *Provider) ChatStream(ctx context.Context, messages []types.Message, toolset []tools.Tool,
	tokenCallback types.TokenCallback) (*types.LLMResponse, error) {

	content := p.nextResponse(messages)

	if tokenCallback != nil {
		for _, token := range strings.SplitAfter(content, " ") {
			if token == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			tokenCallback(token)
		}
	}

	return &types.LLMResponse{
		Content:    content,
		StopReason: "end_turn",
		Usage:      estimateUsage(messages, content),
		Metadata: map[string]interface{}{
			"model":     p.model,
			"messages":  len(messages),
			"streaming": true,
		},
	}, nil
}

func (p *Provider) nextResponse(messages []types.Message) string {
	p.mu.Lock()
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		p.mu.Unlock()
		return next
	}
	p.mu.Unlock()

	return p.prefix + lastUserMessage(messages)
}

// lastUserMessage finds the prompt to echo. Workflow steps send their
// rendered prompt as the final user message.
func lastUserMessage(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// estimateUsage approximates token counts at four characters per token,
// keeping usage deterministic.
func estimateUsage(messages []types.Message, content string) types.Usage {
	inputChars := 0
	for _, msg := range messages {
		inputChars += len(msg.Content)
	}
	usage := types.Usage{
		InputTokens:  inputChars / 4,
		OutputTokens: len(content) / 4,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

var _ types.LLMProvider = (*Provider)(nil)
var _ types.StreamingLLMProvider = (*Provider)(nil)
