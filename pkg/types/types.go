// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the runtime. It breaks
// import cycles by providing the message and provider types that the
// engine, chat, and llm packages all depend on.
package types

import (
	"context"
	"fmt"
	"time"

	"github.com/assistantmd/assistantmd/pkg/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string

	// Name is the tool name
	Name string

	// Input contains the tool parameters as JSON
	Input map[string]interface{}
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is the message sender (system, user, assistant, tool)
	Role string

	// Content is the message text
	Content string

	// ToolCalls contains tool invocations (if role is assistant)
	ToolCalls []ToolCall

	// ToolUseID is the ID of the tool_use block this result corresponds to
	// (if role is tool). Providers need it to match results to requests.
	ToolUseID string

	// ToolResult contains the tool execution result (if role is tool)
	ToolResult *tools.Result

	// Timestamp when the message was created
	Timestamp time.Time

	// TokenCount as measured when the message was stored; 0 means unknown
	TokenCount int
}

// Usage tracks model token usage for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// LLMResponse represents a response from the model.
type LLMResponse struct {
	// Content is the text response
	Content string

	// ToolCalls contains requested tool executions
	ToolCalls []ToolCall

	// StopReason indicates why the model stopped
	StopReason string

	// Usage tracks token usage
	Usage Usage

	// Thinking contains the model's reasoning, for models that emit
	// thinking blocks
	Thinking string

	// Metadata contains provider-specific metadata
	Metadata map[string]interface{}
}

// LLMProvider defines the interface for model backends (Anthropic, OpenAI,
// Ollama, Bedrock).
type LLMProvider interface {
	// Chat sends a conversation to the model and returns the response
	Chat(ctx context.Context, messages []Message, toolset []tools.Tool) (*LLMResponse, error)

	// Name returns the provider name
	Name() string

	// Model returns the model identifier
	Model() string
}

// TokenCallback is called for each token/chunk during streaming.
// Implementations should be lightweight and non-blocking.
type TokenCallback func(token string)

// StreamingLLMProvider extends LLMProvider with token streaming support.
// Use the SupportsStreaming helper to check if a provider implements it.
type StreamingLLMProvider interface {
	LLMProvider

	// ChatStream streams tokens as they're generated, calling tokenCallback
	// for each chunk, and returns the complete LLMResponse after the stream
	// finishes. The callback is called synchronously and must not block.
	ChatStream(ctx context.Context, messages []Message, toolset []tools.Tool,
		tokenCallback TokenCallback) (*LLMResponse, error)
}

// SupportsStreaming checks if a provider supports token streaming.
func SupportsStreaming(provider LLMProvider) bool {
	_, ok := provider.(StreamingLLMProvider)
	return ok
}

// LLMError wraps a provider call failure with enough context to log and
// classify it. StatusCode is 0 for transport-level failures.
type LLMError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *LLMError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s) returned %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}
