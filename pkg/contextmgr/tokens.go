// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package contextmgr

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/assistantmd/assistantmd/pkg/types"
)

// TokenCounter estimates token counts for history sizing decisions.
// Uses tiktoken with cl100k_base encoding, a good approximation across the
// supported model families; falls back to len/4 when the encoding data is
// unavailable (offline builds).
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalTokenCounter *TokenCounter
	counterInitOnce    sync.Once
)

// GetTokenCounter returns the process-wide token counter.
func GetTokenCounter() *TokenCounter {
	counterInitOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			globalTokenCounter = &TokenCounter{encoder: nil}
			return
		}
		globalTokenCounter = &TokenCounter{encoder: tkm}
	})
	return globalTokenCounter
}

// CountTokens returns the token count for one text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoder == nil {
		return len(text) / 4
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return len(tc.encoder.Encode(text, nil, nil))
}

// EstimateHistoryTokens estimates the token size of a message history,
// including a small per-message overhead for role framing.
func (tc *TokenCounter) EstimateHistoryTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		if m.TokenCount > 0 {
			total += m.TokenCount
			continue
		}
		total += tc.CountTokens(m.Content) + 4
	}
	return total
}
