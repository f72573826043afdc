// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain name unchanged", "read_note", "read_note"},
		{"hyphenated unchanged", "list-folder", "list-folder"},
		{"single colon", "vault:read_note", "vault_read_note"},
		{"multiple colons", "a:b:c", "a_b_c"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeToolName(tt.input))
		})
	}
}

func TestBuildToolNameMap(t *testing.T) {
	m := BuildToolNameMap([]string{"read_note", "vault:write_note"})

	assert.Equal(t, "read_note", m["read_note"])
	assert.Equal(t, "vault:write_note", m["vault_write_note"])
}

func TestReverseToolName(t *testing.T) {
	m := BuildToolNameMap([]string{"vault:read_note"})

	assert.Equal(t, "vault:read_note", ReverseToolName(m, "vault_read_note"))
	assert.Equal(t, "unknown_tool", ReverseToolName(m, "unknown_tool"))
}
