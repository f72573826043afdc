// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import "strings"

// SanitizeToolName rewrites a tool name so every provider accepts it.
//
// Provider constraints:
//   - Anthropic / Bedrock: ^[a-zA-Z0-9_-]{1,64}$
//   - OpenAI:              ^[a-zA-Z0-9_-]{1,64}$
//
// Registry tool names may be namespaced with colons (e.g.
// "vault:read_note"), which no provider accepts, so ':' becomes '_'.
func SanitizeToolName(name string) string {
	if !strings.ContainsRune(name, ':') {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r == ':' {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildToolNameMap maps sanitized names back to their originals so tool
// calls returned by a provider can be dispatched under the registry name.
func BuildToolNameMap(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, name := range names {
		m[SanitizeToolName(name)] = name
	}
	return m
}

// ReverseToolName resolves a sanitized name back to the original. Names
// that were never sanitized pass through unchanged.
func ReverseToolName(nameMap map[string]string, sanitized string) string {
	if original, ok := nameMap[sanitized]; ok {
		return original
	}
	return sanitized
}
