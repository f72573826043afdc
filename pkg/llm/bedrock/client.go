// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bedrock serves Anthropic models through AWS Bedrock. The
// Anthropic SDK handles SigV4 signing and endpoint resolution, which is
// simpler and better maintained than driving the AWS runtime API directly.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/assistantmd/assistantmd/pkg/llm"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// Default Bedrock configuration values. The us.* prefix selects the
// cross-region inference profile.
const (
	DefaultModelID     = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	DefaultRegion      = "us-east-1"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 1.0

	// MinThinkingBudget is the smallest extended-thinking budget the API
	// accepts.
	MinThinkingBudget = 1024
)

// Global rate limiter shared across all Bedrock clients. AWS throttles
// per account and region, so every client in the process must coordinate
// through a single bucket.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

func getOrCreateGlobalRateLimiter(cfg llm.RateLimiterConfig) *llm.RateLimiter {
	globalRateLimiterOnce.Do(func() {
		globalRateLimiter = llm.NewRateLimiter(cfg)
	})
	return globalRateLimiter
}

// Config holds configuration for the Bedrock client.
type Config struct {
	// AWS configuration. Credentials resolve in order: explicit keys,
	// named profile, then the default chain (env vars, shared config,
	// IAM role).
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string

	ModelID     string  // Default: us.anthropic.claude-sonnet-4-5-20250929-v1:0
	MaxTokens   int     // Default: 4096
	Temperature float64 // Default: 1.0

	// Thinking enables extended thinking. ThinkingBudget is the token
	// budget for the thinking block; 0 means half of MaxTokens.
	Thinking       bool
	ThinkingBudget int

	RateLimiterConfig llm.RateLimiterConfig
}

// Client implements types.LLMProvider against Anthropic models on AWS
// Bedrock.
type Client struct {
	client         anthropic.Client
	modelID        string
	region         string
	maxTokens      int64
	temperature    float64
	thinkingBudget int64 // 0 disables extended thinking
	rateLimiter    *llm.RateLimiter
}

// NewClient creates a Bedrock client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
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

	var awsCfg aws.Config
	var err error

	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	case cfg.Profile != "":
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiterConfig.Enabled {
		rateLimiter = getOrCreateGlobalRateLimiter(llm.MergeRateLimiterConfig(cfg.RateLimiterConfig))
	}

	return &Client{
		client:         anthropic.NewClient(bedrock.WithConfig(awsCfg)),
		modelID:        cfg.ModelID,
		region:         cfg.Region,
		maxTokens:      int64(cfg.MaxTokens),
		temperature:    cfg.Temperature,
		thinkingBudget: thinkingBudget,
		rateLimiter:    rateLimiter,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "bedrock"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.modelID
}

// Chat sends a conversation to Bedrock and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message, toolset []tools.Tool) (*types.LLMResponse, error) {
	params, nameMap, err := c.buildParams(messages, toolset)
	if err != nil {
		return nil, err
	}

	var message *anthropic.Message
	if c.rateLimiter != nil {
		result, doErr := c.rateLimiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return c.client.Messages.New(ctx, params)
		})
		if doErr != nil {
			return nil, c.wrapErr(doErr)
		}
		message = result.(*anthropic.Message)
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

// ChatStream streams tokens as they are generated. Streams are consumed
// synchronously so they skip the rate limiter queue; usage still feeds
// its token-budget window.
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
			"model":       c.modelID,
			"region":      c.region,
			"message_id":  messageID,
			"stop_reason": stopReason,
			"streaming":   true,
		},
	}, nil
}

func (c *Client) buildParams(messages []types.Message, toolset []tools.Tool) (anthropic.MessageNewParams, map[string]string, error) {
	systemPrompt, sdkMessages := convertMessages(messages)
	if len(sdkMessages) == 0 {
		return anthropic.MessageNewParams{}, nil, fmt.Errorf("no valid messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelID),
		Messages:  sdkMessages,
		MaxTokens: c.maxTokens,
	}

	if c.thinkingBudget > 0 {
		// Extended thinking requires the default temperature.
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(c.thinkingBudget)
	} else {
		params.Temperature = anthropic.Float(c.temperature)
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var nameMap map[string]string
	if len(toolset) > 0 {
		names := make([]string, len(toolset))
		for i, t := range toolset {
			names[i] = t.Name()
		}
		nameMap = llm.BuildToolNameMap(names)

		sdkTools := convertTools(toolset)
		toolUnions := make([]anthropic.ToolUnionParam, len(sdkTools))
		for i := range sdkTools {
			toolUnions[i] = anthropic.ToolUnionParam{OfTool: &sdkTools[i]}
		}
		params.Tools = toolUnions
	}

	return params, nameMap, nil
}

func convertMessages(messages []types.Message) (string, []anthropic.MessageParam) {
	var systemPrompts []string
	var sdkMessages []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}

		case types.RoleUser:
			if msg.Content != "" {
				sdkMessages = append(sdkMessages, anthropic.NewUserMessage(
					anthropic.NewTextBlock(msg.Content),
				))
			}

		case types.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				// Input must never be null on the wire.
				var input interface{} = map[string]interface{}{}
				if tc.Input != nil {
					input = tc.Input
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, llm.SanitizeToolName(tc.Name)))
			}
			if len(content) > 0 {
				sdkMessages = append(sdkMessages, anthropic.NewAssistantMessage(content...))
			}

		case types.RoleTool:
			isError := msg.ToolResult != nil && !msg.ToolResult.Success
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolUseID, msg.Content, isError),
			))
		}
	}

	return strings.Join(systemPrompts, "\n\n"), sdkMessages
}

// convertTools converts registry tools to SDK tool params. Bedrock
// requires names matching ^[a-zA-Z0-9_-]{1,64}$, so namespaced names are
// sanitized.
func convertTools(toolset []tools.Tool) []anthropic.ToolParam {
	sdkTools := make([]anthropic.ToolParam, 0, len(toolset))

	for _, tool := range toolset {
		sdkTool := anthropic.ToolParam{
			Name:        llm.SanitizeToolName(tool.Name()),
			Description: anthropic.String(tool.Description()),
		}

		if schema := tool.InputSchema(); schema != nil {
			schemaJSON, _ := json.Marshal(schema)
			var inputSchema anthropic.ToolInputSchemaParam
			_ = json.Unmarshal(schemaJSON, &inputSchema)
			sdkTool.InputSchema = inputSchema
		}

		sdkTools = append(sdkTools, sdkTool)
	}

	return sdkTools
}

func (c *Client) convertResponse(message *anthropic.Message, nameMap map[string]string) *types.LLMResponse {
	resp := &types.LLMResponse{
		StopReason: string(message.StopReason),
		Usage: types.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		Metadata: map[string]interface{}{
			"model":       c.modelID,
			"region":      c.region,
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

func (c *Client) wrapErr(err error) error {
	var apiErr *anthropic.Error
	statusCode := 0
	if errors.As(err, &apiErr) {
		statusCode = apiErr.StatusCode
	}
	return &types.LLMError{
		Provider:   c.Name(),
		Model:      c.modelID,
		StatusCode: statusCode,
		Err:        err,
	}
}

var _ types.LLMProvider = (*Client)(nil)
var _ types.StreamingLLMProvider = (*Client)(nil)
