// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bedrock

import (
	"encoding/json"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

func TestNewClient_Defaults(t *testing.T) {
	// The default credentials chain resolves lazily, so construction
	// succeeds without AWS credentials.
	client, err := NewClient(Config{})
	require.NoError(t, err)

	assert.Equal(t, DefaultModelID, client.modelID)
	assert.Equal(t, DefaultRegion, client.region)
	assert.Equal(t, int64(DefaultMaxTokens), client.maxTokens)
	assert.Equal(t, DefaultTemperature, client.temperature)
}

func TestNewClient_ThinkingBudgetTooSmall(t *testing.T) {
	_, err := NewClient(Config{Thinking: true, ThinkingBudget: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestClient_NameAndModel(t *testing.T) {
	client := &Client{modelID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0"}
	assert.Equal(t, "bedrock", client.Name())
	assert.Equal(t, "us.anthropic.claude-sonnet-4-5-20250929-v1:0", client.Model())
}

func TestConvertMessages_ToolRoundTrip(t *testing.T) {
	messages := []types.Message{
		{Role: types.RoleUser, Content: "List my notes"},
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "t1", Name: "vault:list_folder", Input: map[string]interface{}{"path": "/"}}},
		},
		{
			Role:       types.RoleTool,
			Content:    "permission denied",
			ToolUseID:  "t1",
			ToolResult: &tools.Result{Success: false},
		},
	}

	systemPrompt, sdkMessages := convertMessages(messages)
	assert.Empty(t, systemPrompt)
	require.Len(t, sdkMessages, 3)

	assistantJSON, _ := json.Marshal(sdkMessages[1])
	assert.Contains(t, string(assistantJSON), "vault_list_folder")

	resultJSON, _ := json.Marshal(sdkMessages[2])
	assert.Contains(t, string(resultJSON), `"is_error":true`)
}

func TestConvertResponse(t *testing.T) {
	client := &Client{modelID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", region: "us-east-1"}
	nameMap := map[string]string{"vault_list_folder": "vault:list_folder"}

	message := &anthropic.Message{
		ID: "msg_02",
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Checking."},
			{Type: "tool_use", ID: "t1", Name: "vault_list_folder", Input: json.RawMessage(`{"path":"/"}`)},
		},
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 25, OutputTokens: 12},
	}

	resp := client.convertResponse(message, nameMap)

	assert.Equal(t, "Checking.", resp.Content)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 37, resp.Usage.TotalTokens)
	assert.Equal(t, "us-east-1", resp.Metadata["region"])

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "vault:list_folder", resp.ToolCalls[0].Name)
	assert.Equal(t, "/", resp.ToolCalls[0].Input["path"])
}

func TestClient_ImplementsInterfaces(t *testing.T) {
	client := &Client{}
	var provider types.LLMProvider = client
	assert.True(t, types.SupportsStreaming(provider))
}
