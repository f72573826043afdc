// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package ollama runs conversations against a local Ollama server.
package ollama

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

// Default Ollama configuration values.
const (
	DefaultEndpoint       = "http://localhost:11434"
	DefaultModel          = "llama3.1"
	DefaultTemperature    = 0.8
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
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

// Models known to support native tool calling.
var toolSupportedModels = map[string]bool{
	"llama3.3":      true,
	"llama3.2":      true,
	"llama3.1":      true,
	"qwen2.5":       true,
	"qwen2.5-coder": true,
	"qwen3":         true,
	"mistral":       true,
	"mixtral":       true,
	"deepseek-r1":   true,
	"functionary":   true,
}

// ToolMode defines how tools are advertised to the model.
type ToolMode string

const (
	// ToolModeAuto detects native tool support from the model name.
	ToolModeAuto ToolMode = "auto"
	// ToolModeNative always uses the native tool calling API.
	ToolModeNative ToolMode = "native"
	// ToolModePrompt folds tool results into user messages for models
	// without native support.
	ToolModePrompt ToolMode = "prompt"
)

// Config holds configuration for the Ollama client.
type Config struct {
	Endpoint          string        // Default: http://localhost:11434
	Model             string        // Default: llama3.1
	MaxTokens         int           // Default: sized from the model name
	Temperature       float64       // Default: 0.8
	Timeout           time.Duration // Default: 120s
	ConnectTimeout    time.Duration // Default: 10s
	ToolMode          ToolMode      // Default: auto
	RateLimiterConfig llm.RateLimiterConfig
}

// defaultMaxTokens sizes the output budget from the parameter count in
// the model name. Small models drift on long outputs.
func defaultMaxTokens(model string) int {
	modelLower := strings.ToLower(model)

	if strings.Contains(modelLower, "70b") || strings.Contains(modelLower, "72b") ||
		strings.Contains(modelLower, "405b") {
		return 8192
	}
	if strings.Contains(modelLower, "13b") || strings.Contains(modelLower, "14b") ||
		strings.Contains(modelLower, "20b") || strings.Contains(modelLower, "32b") {
		return 6144
	}
	return 4096
}

// Client implements types.LLMProvider against the Ollama chat API.
type Client struct {
	endpoint    string
	model       string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	toolMode    ToolMode
	rateLimiter *llm.RateLimiter
}

// NewClient creates an Ollama client. No credentials are required; the
// server is assumed local.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens(cfg.Model)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ToolMode == "" {
		cfg.ToolMode = ToolModeAuto
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiterConfig.Enabled {
		rateLimiter = getOrCreateGlobalRateLimiter(llm.MergeRateLimiterConfig(cfg.RateLimiterConfig))
	}

	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		toolMode:    cfg.ToolMode,
		rateLimiter: rateLimiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ollama"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// supportsNativeTools reports whether tool definitions go over the native
// API. Auto mode matches the model name against known bases, ignoring
// tag suffixes like ":8b".
func (c *Client) supportsNativeTools() bool {
	if c.toolMode == ToolModeNative {
		return true
	}
	if c.toolMode == ToolModePrompt {
		return false
	}
	for baseModel := range toolSupportedModels {
		if strings.HasPrefix(c.model, baseModel) {
			return true
		}
	}
	return false
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Chat sends a conversation to Ollama and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message, toolset []tools.Tool) (*types.LLMResponse, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: c.convertMessages(messages),
		Stream:   false,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}

	if c.supportsNativeTools() && len(toolset) > 0 {
		req.Tools = convertTools(toolset)
	}

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	llmResp := c.convertResponse(resp)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(llmResp.Usage.TotalTokens))
	}

	return llmResp, nil
}

// ChatStream streams tokens from Ollama's NDJSON stream, invoking
// tokenCallback per content chunk.
func (c *Client) ChatStream(ctx context.Context, messages []types.Message, toolset []tools.Tool,
	tokenCallback types.TokenCallback) (*types.LLMResponse, error) {

	req := chatRequest{
		Model:    c.model,
		Messages: c.convertMessages(messages),
		Stream:   true,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}

	if c.supportsNativeTools() && len(toolset) > 0 {
		req.Tools = convertTools(toolset)
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
	var toolCalls []types.ToolCall
	var lastResponse chatResponse

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		var chunk chatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			// Skip malformed lines, keep the stream alive.
			continue
		}

		if chunk.Message.Content != "" {
			contentBuffer.WriteString(chunk.Message.Content)
			if tokenCallback != nil {
				tokenCallback(chunk.Message.Content)
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
			toolCalls = append(toolCalls, types.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}

		if chunk.Done {
			lastResponse = chunk
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

	usage := types.Usage{
		InputTokens:  lastResponse.PromptEvalCount,
		OutputTokens: lastResponse.EvalCount,
		TotalTokens:  lastResponse.PromptEvalCount + lastResponse.EvalCount,
	}

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(usage.TotalTokens))
	}

	return &types.LLMResponse{
		Content:    contentBuffer.String(),
		ToolCalls:  toolCalls,
		StopReason: stopReasonFor(toolCalls),
		Usage:      usage,
		Metadata: map[string]interface{}{
			"model":         c.model,
			"eval_duration": lastResponse.EvalDuration,
			"native_tools":  c.supportsNativeTools(),
			"tool_mode":     string(c.toolMode),
			"streaming":     true,
		},
	}, nil
}

// convertMessages converts conversation messages to the wire format.
// Without native tool support, tool results fold into user messages.
func (c *Client) convertMessages(messages []types.Message) []ollamaMessage {
	var apiMessages []ollamaMessage

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
			apiMessages = append(apiMessages, ollamaMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})

		case types.RoleTool:
			if c.supportsNativeTools() {
				apiMessages = append(apiMessages, ollamaMessage{
					Role:    "tool",
					Content: msg.Content,
				})
			} else {
				apiMessages = append(apiMessages, ollamaMessage{
					Role:    "user",
					Content: fmt.Sprintf("Tool result: %s", msg.Content),
				})
			}
		}
	}

	return apiMessages
}

func convertTools(toolset []tools.Tool) []ollamaTool {
	ollamaTools := make([]ollamaTool, len(toolset))
	for i, tool := range toolset {
		ollamaTools[i] = ollamaTool{
			Type: "function",
			Function: ollamaFunction{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.InputSchema(),
			},
		}
	}
	return ollamaTools
}

// cleanJSONString strips the markdown dressing local models like to wrap
// around JSON arguments.
func cleanJSONString(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`")
	if strings.HasPrefix(s, "json") {
		if len(s) > 4 && (s[4] == '\n' || s[4] == '\r' || s[4] == ' ' || s[4] == '\t' || s[4] == '{') {
			s = strings.TrimSpace(s[4:])
		}
	}
	return s
}

// parseToolArguments normalizes tool arguments, which arrive either as a
// JSON string or as an already-decoded map.
func parseToolArguments(args interface{}) map[string]interface{} {
	switch v := args.(type) {
	case string:
		cleaned := cleanJSONString(v)
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(cleaned), &params); err != nil || params == nil {
			return map[string]interface{}{"_raw": v}
		}
		return params
	case map[string]interface{}:
		return v
	default:
		return map[string]interface{}{}
	}
}

func stopReasonFor(toolCalls []types.ToolCall) string {
	if len(toolCalls) > 0 {
		return "tool_use"
	}
	return "end_turn"
}

func (c *Client) convertResponse(resp *chatResponse) *types.LLMResponse {
	var toolCalls []types.ToolCall
	for _, tc := range resp.Message.ToolCalls {
		toolCalls = append(toolCalls, types.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolArguments(tc.Function.Arguments),
		})
	}

	return &types.LLMResponse{
		Content:    resp.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: stopReasonFor(toolCalls),
		Usage: types.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
		},
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"eval_duration": resp.EvalDuration,
			"native_tools":  c.supportsNativeTools(),
			"tool_mode":     string(c.toolMode),
		},
	}
}

// send posts the request body, routing through the rate limiter when one
// is configured. The request is rebuilt per attempt so retries never
// reuse a consumed body reader.
func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	do := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	if c.rateLimiter != nil {
		result, err := c.rateLimiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return do(ctx)
		})
		if err != nil {
			return nil, err
		}
		return result.(*http.Response), nil
	}
	return do(ctx)
}

func (c *Client) callAPI(ctx context.Context, req chatRequest) (*chatResponse, error) {
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

	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

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

// Ollama API types.

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  *tools.JSONSchema `json:"parameters"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"` // string or map
}

type chatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration"`
	LoadDuration    int64         `json:"load_duration"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	EvalDuration    int64         `json:"eval_duration"`
}

var _ types.LLMProvider = (*Client)(nil)
var _ types.StreamingLLMProvider = (*Client)(nil)
