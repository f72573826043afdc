// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package openai implements the chat completions protocol over plain
// HTTP. The same client serves any OpenAI-compatible endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/assistantmd/assistantmd/pkg/llm"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// Default OpenAI configuration values.
const (
	DefaultModel          = "gpt-4.1"
	DefaultEndpoint       = "https://api.openai.com/v1/chat/completions"
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxTokens      = 4096
	DefaultTemperature    = 1.0
)

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

// Config holds configuration for the OpenAI client.
type Config struct {
	APIKey            string
	Model             string        // Default: gpt-4.1
	Endpoint          string        // Default: https://api.openai.com/v1/chat/completions
	Timeout           time.Duration // Default: 120s, covers the whole request
	ConnectTimeout    time.Duration // Default: 10s, covers dialing only
	MaxTokens         int           // Default: 4096
	Temperature       float64       // Default: 1.0
	RateLimiterConfig llm.RateLimiterConfig
}

// Client implements types.LLMProvider against the chat completions API.
type Client struct {
	apiKey      string
	model       string
	endpoint    string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	rateLimiter *llm.RateLimiter
}

// NewClient creates an OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiterConfig.Enabled {
		rateLimiter = getOrCreateGlobalRateLimiter(llm.MergeRateLimiterConfig(cfg.RateLimiterConfig))
	}

	return &Client{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		endpoint:    cfg.Endpoint,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		rateLimiter: rateLimiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openai"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// statusError is an HTTP-level API failure. Its message keeps the status
// code visible so the rate limiter recognizes 429s as throttling.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Chat sends a conversation to the API and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message, toolset []tools.Tool) (*types.LLMResponse, error) {
	req := &ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(messages),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	var nameMap map[string]string
	if len(toolset) > 0 {
		req.Tools, nameMap = convertTools(toolset)
		req.ToolChoice = "auto"
	}

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	llmResp := c.convertResponse(resp, nameMap)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(llmResp.Usage.TotalTokens))
	}

	return llmResp, nil
}

// convertMessages converts conversation messages to the wire format.
func convertMessages(messages []types.Message) []ChatMessage {
	var apiMessages []ChatMessage

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem, types.RoleUser:
			apiMessages = append(apiMessages, ChatMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})

		case types.RoleAssistant:
			apiMsg := ChatMessage{Role: types.RoleAssistant}
			if msg.Content != "" {
				apiMsg.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Input)
				if err != nil {
					argsJSON = []byte("{}")
				}
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      llm.SanitizeToolName(tc.Name),
						Arguments: string(argsJSON),
					},
				})
			}
			apiMessages = append(apiMessages, apiMsg)

		case types.RoleTool:
			apiMessages = append(apiMessages, ChatMessage{
				Role:       types.RoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolUseID,
			})
		}
	}

	return apiMessages
}

// convertTools converts registry tools to the wire format and returns the
// sanitized-to-original name map.
func convertTools(toolset []tools.Tool) ([]Tool, map[string]string) {
	apiTools := make([]Tool, 0, len(toolset))
	names := make([]string, len(toolset))

	for i, tool := range toolset {
		names[i] = tool.Name()

		apiTool := Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        llm.SanitizeToolName(tool.Name()),
				Description: tool.Description(),
			},
		}

		if schema := tool.InputSchema(); schema != nil {
			params, err := schema.AsMap()
			if err != nil || params == nil {
				params = map[string]interface{}{"type": "object"}
			}
			if params["type"] == nil {
				params["type"] = "object"
			}
			apiTool.Function.Parameters = params
		}

		apiTools = append(apiTools, apiTool)
	}

	return apiTools, llm.BuildToolNameMap(names)
}

// convertResponse converts a completion response to the provider-neutral
// form.
func (c *Client) convertResponse(resp *ChatCompletionResponse, nameMap map[string]string) *types.LLMResponse {
	llmResp := &types.LLMResponse{
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Metadata: map[string]interface{}{
			"model": resp.Model,
		},
	}

	if len(resp.Choices) == 0 {
		return llmResp
	}
	choice := resp.Choices[0]

	llmResp.StopReason = mapFinishReason(choice.FinishReason)
	llmResp.Metadata["finish_reason"] = choice.FinishReason

	if str, ok := choice.Message.Content.(string); ok {
		llmResp.Content = str
	}

	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			// Keep unparseable arguments visible instead of dropping the call.
			input = map[string]interface{}{"_raw": tc.Function.Arguments}
		}
		if input == nil {
			input = map[string]interface{}{}
		}
		llmResp.ToolCalls = append(llmResp.ToolCalls, types.ToolCall{
			ID:    tc.ID,
			Name:  llm.ReverseToolName(nameMap, tc.Function.Name),
			Input: input,
		})
	}

	return llmResp
}

// mapFinishReason maps the API's finish_reason to the stop reason
// vocabulary the rest of the system uses.
func mapFinishReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "content_filter"
	default:
		return finishReason
	}
}

// ChatStream streams tokens via SSE, invoking tokenCallback per content
// delta.
func (c *Client) ChatStream(ctx context.Context, messages []types.Message, toolset []tools.Tool,
	tokenCallback types.TokenCallback) (*types.LLMResponse, error) {

	req := &ChatCompletionRequest{
		Model:         c.model,
		Messages:      convertMessages(messages),
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}

	var nameMap map[string]string
	if len(toolset) > 0 {
		req.Tools, nameMap = convertTools(toolset)
		req.ToolChoice = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := c.send(ctx, body)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, c.wrapErr(&statusError{StatusCode: httpResp.StatusCode, Body: string(respBody)})
	}

	var contentBuffer strings.Builder
	var usage types.Usage
	var finishReason string
	tokenCount := 0
	toolCallMap := make(map[int]*types.ToolCall)

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "[DONE]" {
			break
		}

		var chunk ChatCompletionStreamChunk
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			// Skip malformed chunks, keep the stream alive.
			continue
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]

			if str, ok := choice.Delta.Content.(string); ok && str != "" {
				contentBuffer.WriteString(str)
				tokenCount++
				if tokenCallback != nil {
					tokenCallback(str)
				}
			}

			for _, tcDelta := range choice.Delta.ToolCalls {
				idx := tcDelta.Index
				if _, exists := toolCallMap[idx]; !exists {
					toolCallMap[idx] = &types.ToolCall{
						ID:    tcDelta.ID,
						Name:  llm.ReverseToolName(nameMap, tcDelta.Function.Name),
						Input: make(map[string]interface{}),
					}
				}
				if tcDelta.Function.Arguments != "" {
					tc := toolCallMap[idx]
					if existing, ok := tc.Input["_args"].(string); ok {
						tc.Input["_args"] = existing + tcDelta.Function.Arguments
					} else {
						tc.Input["_args"] = tcDelta.Function.Arguments
					}
				}
			}

			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stream: %w", err)
	}

	// Arguments accumulate as fragments; parse once the stream ends.
	var toolCalls []types.ToolCall
	for i := 0; i < len(toolCallMap); i++ {
		tc, ok := toolCallMap[i]
		if !ok {
			continue
		}
		if argsStr, ok := tc.Input["_args"].(string); ok {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(argsStr), &parsed); err != nil || parsed == nil {
				parsed = map[string]interface{}{"_raw": argsStr}
			}
			tc.Input = parsed
		}
		toolCalls = append(toolCalls, *tc)
	}

	if usage.TotalTokens == 0 {
		// Input tokens are unknown when the API omits usage.
		usage.OutputTokens = tokenCount
		usage.TotalTokens = tokenCount
	}

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(usage.TotalTokens))
	}

	return &types.LLMResponse{
		Content:    contentBuffer.String(),
		ToolCalls:  toolCalls,
		StopReason: mapFinishReason(finishReason),
		Usage:      usage,
		Metadata: map[string]interface{}{
			"model":         c.model,
			"finish_reason": finishReason,
			"streaming":     true,
		},
	}, nil
}

// send posts the request body, routing through the rate limiter when one
// is configured. The request is rebuilt per attempt so retries do not
// reuse a consumed body reader.
func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	do := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		return c.httpClient.Do(httpReq)
	}

	if c.rateLimiter != nil {
		result, err := c.rateLimiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
			resp, err := do(ctx)
			if err != nil {
				return nil, err
			}
			// Surface throttling statuses to the limiter's retry loop.
			if resp.StatusCode == http.StatusTooManyRequests {
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return nil, &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
			}
			return resp, nil
		})
		if err != nil {
			return nil, err
		}
		return result.(*http.Response), nil
	}
	return do(ctx)
}

// callAPI makes a non-streaming request and decodes the response.
func (c *Client) callAPI(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s (type: %s)", resp.Error.Message, resp.Error.Type)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	return &resp, nil
}

// wrapErr attaches provider and HTTP status context to an API error.
func (c *Client) wrapErr(err error) error {
	var sErr *statusError
	statusCode := 0
	if errors.As(err, &sErr) {
		statusCode = sErr.StatusCode
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
