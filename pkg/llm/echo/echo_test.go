// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package echo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assistantmd/assistantmd/pkg/types"
)

func TestProvider_Chat_EchoesLastUserMessage(t *testing.T) {
	p := New(Config{})

	resp, err := p.Chat(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: "be helpful"},
		{Role: types.RoleUser, Content: "first"},
		{Role: types.RoleAssistant, Content: "reply"},
		{Role: types.RoleUser, Content: "second"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "second", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "echo", p.Name())
	assert.Equal(t, DefaultModel, p.Model())
}

func TestProvider_Chat_Deterministic(t *testing.T) {
	p := New(Config{Prefix: "out: "})
	messages := []types.Message{{Role: types.RoleUser, Content: "same prompt"}}

	first, err := p.Chat(context.Background(), messages, nil)
	require.NoError(t, err)
	second, err := p.Chat(context.Background(), messages, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Usage, second.Usage)
	assert.Equal(t, "out: same prompt", first.Content)
}

func TestProvider_Chat_Script(t *testing.T) {
	p := New(Config{Script: []string{"one", "two"}})
	messages := []types.Message{{Role: types.RoleUser, Content: "prompt"}}

	resp, err := p.Chat(context.Background(), messages, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Content)

	resp, err = p.Chat(context.Background(), messages, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Content)

	// Script exhausted: fall back to echoing.
	resp, err = p.Chat(context.Background(), messages, nil)
	require.NoError(t, err)
	assert.Equal(t, "prompt", resp.Content)
}

func TestProvider_Chat_NoUserMessage(t *testing.T) {
	p := New(Config{})

	resp, err := p.Chat(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: "system only"},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
}

func TestProvider_ChatStream(t *testing.T) {
	p := New(Config{})

	var streamed []string
	resp, err := p.ChatStream(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "alpha beta gamma"},
	}, nil, func(token string) {
		streamed = append(streamed, token)
	})
	require.NoError(t, err)

	assert.Equal(t, "alpha beta gamma", resp.Content)
	assert.Equal(t, "alpha beta gamma", strings.Join(streamed, ""))
	assert.Equal(t, true, resp.Metadata["streaming"])
}

func TestProvider_ChatStream_Cancelled(t *testing.T) {
	p := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ChatStream(ctx, []types.Message{
		{Role: types.RoleUser, Content: "alpha beta"},
	}, nil, func(string) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProvider_SupportsStreaming(t *testing.T) {
	var provider types.LLMProvider = New(Config{})
	assert.True(t, types.SupportsStreaming(provider))
}

func TestEstimateUsage(t *testing.T) {
	usage := estimateUsage([]types.Message{
		{Role: types.RoleUser, Content: strings.Repeat("a", 40)},
	}, strings.Repeat("b", 20))

	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}
