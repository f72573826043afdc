// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"context"
	"errors"
	"testing"

	"github.com/assistantmd/assistantmd/pkg/tools"
)

type plainProvider struct{}

func (plainProvider) Chat(context.Context, []Message, []tools.Tool) (*LLMResponse, error) {
	return &LLMResponse{Content: "ok"}, nil
}
func (plainProvider) Name() string  { return "plain" }
func (plainProvider) Model() string { return "m" }

type streamProvider struct{ plainProvider }

func (streamProvider) ChatStream(ctx context.Context, msgs []Message, ts []tools.Tool, cb TokenCallback) (*LLMResponse, error) {
	cb("ok")
	return &LLMResponse{Content: "ok"}, nil
}

func TestSupportsStreaming(t *testing.T) {
	if SupportsStreaming(plainProvider{}) {
		t.Error("plainProvider should not support streaming")
	}
	if !SupportsStreaming(streamProvider{}) {
		t.Error("streamProvider should support streaming")
	}
}

func TestLLMError(t *testing.T) {
	base := errors.New("overloaded")

	err := &LLMError{Provider: "anthropic", Model: "claude-sonnet-4-5", StatusCode: 529, Err: base}
	if !errors.Is(err, base) {
		t.Error("LLMError should unwrap to the base error")
	}
	if got := err.Error(); got != "anthropic (claude-sonnet-4-5) returned 529: overloaded" {
		t.Errorf("unexpected message: %q", got)
	}

	transport := &LLMError{Provider: "ollama", Model: "llama3", Err: errors.New("connection refused")}
	if got := transport.Error(); got != "ollama (llama3): connection refused" {
		t.Errorf("unexpected message: %q", got)
	}
}
