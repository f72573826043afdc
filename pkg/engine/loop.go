// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// maxLLMTurns bounds one step's tool conversation. A model that keeps
// calling a failing tool runs into this instead of looping forever.
const maxLLMTurns = 10

// converse sends the prompt and runs the tool conversation until the
// model answers with plain text. Each LLM call gets its own timeout; tool
// executions run under the step context.
func (e *Engine) converse(ctx context.Context, provider types.LLMProvider, prompt string, toolset []tools.Tool) (string, error) {
	messages := []types.Message{{
		Role:      types.RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	}}

	for turn := 0; turn < maxLLMTurns; turn++ {
		callCtx, cancel := context.WithTimeout(ctx, e.apiTimeout)
		resp, err := provider.Chat(callCtx, messages, toolset)
		cancel()
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		// The assistant turn with its tool calls must precede the results
		// in the transcript; providers reject orphaned tool results.
		messages = append(messages, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		})
		for _, call := range resp.ToolCalls {
			result, execErr := e.executor.Execute(ctx, call.Name, call.Input)
			messages = append(messages, types.Message{
				Role:       types.RoleTool,
				Content:    formatToolResult(result, execErr),
				ToolUseID:  call.ID,
				ToolResult: result,
				Timestamp:  time.Now(),
			})
		}
	}
	return "", fmt.Errorf("tool conversation did not settle within %d turns", maxLLMTurns)
}

// formatToolResult renders a result for the model. Failures are spelled
// out so the model can correct itself; structured data stays inline as
// JSON rather than being summarized away.
func formatToolResult(result *tools.Result, execErr error) string {
	if execErr != nil {
		return fmt.Sprintf("Error: %s", execErr.Error())
	}
	if result == nil {
		return "Tool returned no result"
	}
	if !result.Success {
		if result.Error != nil {
			return fmt.Sprintf("Tool error: %s - %s", result.Error.Code, result.Error.Message)
		}
		return "Tool execution failed"
	}
	switch data := result.Data.(type) {
	case nil:
		return "OK"
	case string:
		return data
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(raw)
	}
}
