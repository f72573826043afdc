// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package anthropic talks to the Anthropic API through the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/assistantmd/assistantmd/pkg/llm"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// Default model configuration values. The factory overrides these from
// settings; they only apply when a Config field is left zero.
const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 1.0

	// MinThinkingBudget is the smallest extended-thinking budget the API
	// accepts.
	MinThinkingBudget = 1024
)

// Global rate limiter shared across all Anthropic clients so concurrent
// chat sessions and workflow runs coordinate through one token bucket.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

func getOrCreateGlobalRateLimiter(config llm.RateLimiterConfig) *llm.RateLimiter {
	globalRateLimiterOnce.Do(func() {
		globalRateLimiter = llm.NewRateLimiter(config)
	})
	return globalRateLimiter
}

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey  string // Required
	BaseURL string // Optional: override the API endpoint

	Model       string  // Default: claude-sonnet-4-5-20250929
	MaxTokens   int     // Default: 4096
	Temperature float64 // Default: 1.0

	// Thinking enables extended thinking. ThinkingBudget is the token
	// budget for the thinking block; 0 means half of MaxTokens.
	Thinking       bool
	ThinkingBudget int

	RateLimiterConfig llm.RateLimiterConfig
}

// Client implements types.LLMProvider against the Anthropic Messages API.
type Client struct {
	client         sdk.Client
	model          string
	maxTokens      int64
	temperature    float64
	thinkingBudget int64 // 0 disables extended thinking
	rateLimiter    *llm.RateLimiter
}

// NewClient creates an Anthropic client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	var thinkingBudget int64
	if cfg.Thinking {
		budget := cfg.ThinkingBudget
		if budget == 0 {
			budget = cfg.MaxTokens / 2
		}
		if budget < MinThinkingBudget {
			return nil, fmt.Errorf("thinking budget %d below minimum %d", budget, MinThinkingBudget)
		}
		if budget >= cfg.MaxTokens {
			return nil, fmt.Errorf("thinking budget %d must be less than max tokens %d", budget, cfg.MaxTokens)
		}
		thinkingBudget = int64(budget)
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiterConfig.Enabled {
		rateLimiter = getOrCreateGlobalRateLimiter(llm.MergeRateLimiterConfig(cfg.RateLimiterConfig))
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		model:          cfg.Model,
		maxTokens:      int64(cfg.MaxTokens),
		temperature:    cfg.Temperature,
		thinkingBudget: thinkingBudget,
		rateLimiter:    rateLimiter,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// Chat sends a conversation to the Anthropic API and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message, toolset []tools.Tool) (*types.LLMResponse, error) {
	params, nameMap, err := c.buildParams(messages, toolset)
	if err != nil {
		return nil, err
	}

	var message *sdk.Message
	if c.rateLimiter != nil {
		result, doErr := c.rateLimiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return c.client.Messages.New(ctx, params)
		})
		if doErr != nil {
			return nil, c.wrapErr(doErr)
		}
		message = result.(*sdk.Message)
	} else {
		message, err = c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, c.wrapErr(err)
		}
	}

	resp := c.convertResponse(message, nameMap)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(message.Usage.InputTokens + message.Usage.OutputTokens)
	}

	return resp, nil
}

// ChatStream streams tokens as they are generated, invoking tokenCallback
// for each text delta. Streams bypass the rate limiter queue; usage is
// still recorded for its token-budget window.
func (c *Client) ChatStream(ctx context.Context, messages []types.Message, toolset []tools.Tool,
	tokenCallback types.TokenCallback) (*types.LLMResponse, error) {

	params, nameMap, err := c.buildParams(messages, toolset)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	var contentBuffer strings.Builder
	var thinkingBuffer strings.Builder
	var toolCalls []types.ToolCall
	var usage types.Usage
	var stopReason string
	var messageID string

	// Tool inputs arrive as JSON fragments keyed by content block index.
	toolInputBuffers := make(map[int64]*strings.Builder)
	blockIndexToToolIndex := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageID = event.Message.ID
			usage.InputTokens = int(event.Message.Usage.InputTokens)

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolCall := types.ToolCall{
					ID:    event.ContentBlock.ID,
					Name:  llm.ReverseToolName(nameMap, event.ContentBlock.Name),
					Input: make(map[string]interface{}),
				}
				blockIndexToToolIndex[event.Index] = len(toolCalls)
				toolCalls = append(toolCalls, toolCall)
				toolInputBuffers[event.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					contentBuffer.WriteString(event.Delta.Text)
					if tokenCallback != nil {
						tokenCallback(event.Delta.Text)
					}
				}
			case "input_json_delta":
				if buf, exists := toolInputBuffers[event.Index]; exists {
					buf.WriteString(event.Delta.PartialJSON)
				}
			case "thinking_delta":
				thinkingBuffer.WriteString(event.Delta.Thinking)
			}

		case "content_block_stop":
			if buf, exists := toolInputBuffers[event.Index]; exists && buf.Len() > 0 {
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(buf.String()), &input); err == nil {
					if toolIdx, ok := blockIndexToToolIndex[event.Index]; ok && toolIdx < len(toolCalls) {
						toolCalls[toolIdx].Input = input
					}
				}
				delete(toolInputBuffers, event.Index)
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		return nil, c.wrapErr(err)
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(usage.TotalTokens))
	}

	return &types.LLMResponse{
		Content:    contentBuffer.String(),
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
		Thinking:   thinkingBuffer.String(),
		Metadata: map[string]interface{}{
			"model":       c.model,
			"message_id":  messageID,
			"stop_reason": stopReason,
			"streaming":   true,
		},
	}, nil
}

// buildParams assembles the SDK request from messages and tools. The
// returned name map translates sanitized tool names in the response back
// to registry names.
func (c *Client) buildParams(messages []types.Message, toolset []tools.Tool) (sdk.MessageNewParams, map[string]string, error) {
	systemPrompt, sdkMessages := convertMessages(messages)
	if len(sdkMessages) == 0 {
		return sdk.MessageNewParams{}, nil, fmt.Errorf("no valid messages to send")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		Messages:  sdkMessages,
		MaxTokens: c.maxTokens,
	}

	if c.thinkingBudget > 0 {
		// Extended thinking requires the default temperature.
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(c.thinkingBudget)
	} else {
		params.Temperature = sdk.Float(c.temperature)
	}

	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	var nameMap map[string]string
	if len(toolset) > 0 {
		names := make([]string, len(toolset))
		for i, t := range toolset {
			names[i] = t.Name()
		}
		nameMap = llm.BuildToolNameMap(names)

		sdkTools := convertTools(toolset)
		toolUnions := make([]sdk.ToolUnionParam, len(sdkTools))
		for i := range sdkTools {
			toolUnions[i] = sdk.ToolUnionParam{OfTool: &sdkTools[i]}
		}
		params.Tools = toolUnions
	}

	return params, nameMap, nil
}

// convertMessages splits conversation messages into the combined system
// prompt and the SDK message list.
func convertMessages(messages []types.Message) (string, []sdk.MessageParam) {
	var systemPrompts []string
	var sdkMessages []sdk.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}

		case types.RoleUser:
			if msg.Content != "" {
				sdkMessages = append(sdkMessages, sdk.NewUserMessage(
					sdk.NewTextBlock(msg.Content),
				))
			}

		case types.RoleAssistant:
			var content []sdk.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				// Input must never be null on the wire.
				var input interface{} = map[string]interface{}{}
				if tc.Input != nil {
					input = tc.Input
				}
				content = append(content, sdk.NewToolUseBlock(tc.ID, input, llm.SanitizeToolName(tc.Name)))
			}
			if len(content) > 0 {
				sdkMessages = append(sdkMessages, sdk.NewAssistantMessage(content...))
			}

		case types.RoleTool:
			isError := msg.ToolResult != nil && !msg.ToolResult.Success
			sdkMessages = append(sdkMessages, sdk.NewUserMessage(
				sdk.NewToolResultBlock(msg.ToolUseID, msg.Content, isError),
			))
		}
	}

	return strings.Join(systemPrompts, "\n\n"), sdkMessages
}

// convertTools converts registry tools to SDK tool params, sanitizing
// names the API would reject.
func convertTools(toolset []tools.Tool) []sdk.ToolParam {
	sdkTools := make([]sdk.ToolParam, 0, len(toolset))

	for _, tool := range toolset {
		sdkTool := sdk.ToolParam{
			Name:        llm.SanitizeToolName(tool.Name()),
			Description: sdk.String(tool.Description()),
		}

		if schema := tool.InputSchema(); schema != nil {
			// Round-trip through JSON to produce the SDK's schema param.
			schemaJSON, _ := json.Marshal(schema)
			var inputSchema sdk.ToolInputSchemaParam
			_ = json.Unmarshal(schemaJSON, &inputSchema)
			sdkTool.InputSchema = inputSchema
		}

		sdkTools = append(sdkTools, sdkTool)
	}

	return sdkTools
}

// convertResponse converts an SDK message to the provider-neutral form.
func (c *Client) convertResponse(message *sdk.Message, nameMap map[string]string) *types.LLMResponse {
	resp := &types.LLMResponse{
		StopReason: string(message.StopReason),
		Usage: types.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		Metadata: map[string]interface{}{
			"model":       c.model,
			"message_id":  message.ID,
			"stop_reason": string(message.StopReason),
		},
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			var input map[string]interface{}
			if block.Input != nil {
				_ = json.Unmarshal(block.Input, &input)
			}
			if input == nil {
				input = map[string]interface{}{}
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:    block.ID,
				Name:  llm.ReverseToolName(nameMap, block.Name),
				Input: input,
			})
		}
	}

	return resp
}

// wrapErr attaches provider and HTTP status context to an API error.
func (c *Client) wrapErr(err error) error {
	var apiErr *sdk.Error
	statusCode := 0
	if errors.As(err, &apiErr) {
		statusCode = apiErr.StatusCode
	}
	return &types.LLMError{
		Provider:   c.Name(),
		Model:      c.model,
		StatusCode: statusCode,
		Err:        err,
	}
}

var _ types.LLMProvider = (*Client)(nil)
var _ types.StreamingLLMProvider = (*Client)(nil)
