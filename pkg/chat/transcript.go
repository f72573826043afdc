// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/assistantmd/assistantmd/pkg/types"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// Transcript section headings. The timestamp rides in parentheses after
// the role so the file reads as a plain conversation log.
const (
	headingUser      = "User"
	headingAssistant = "Assistant"
	headingSystem    = "System"
	headingTool      = "Tool Result"
)

const transcriptTimeLayout = time.RFC3339

// RenderTranscript produces the session's markdown transcript.
func RenderTranscript(s *Session) string {
	var b strings.Builder

	b.WriteString("---\n")
	fmt.Fprintf(&b, "session_id: %s\n", s.ID)
	fmt.Fprintf(&b, "vault: %s\n", s.Vault)
	if s.ModelAlias != "" {
		fmt.Fprintf(&b, "model: %s\n", s.ModelAlias)
	}
	if s.TemplateName != "" {
		fmt.Fprintf(&b, "template: %s\n", s.TemplateName)
	}
	fmt.Fprintf(&b, "created: %s\n", s.CreatedAt.Format(transcriptTimeLayout))
	b.WriteString("---\n")

	for _, msg := range s.Messages() {
		heading := ""
		content := msg.Content
		switch msg.Role {
		case types.RoleUser:
			heading = headingUser
		case types.RoleAssistant:
			heading = headingAssistant
			if len(msg.ToolCalls) > 0 {
				var notes []string
				for _, call := range msg.ToolCalls {
					notes = append(notes, fmt.Sprintf("*[tool call: %s]*", call.Name))
				}
				if content != "" {
					content += "\n\n"
				}
				content += strings.Join(notes, "\n")
			}
		case types.RoleSystem:
			heading = headingSystem
		case types.RoleTool:
			heading = headingTool
		default:
			continue
		}

		fmt.Fprintf(&b, "\n## %s (%s)\n\n", heading, msg.Timestamp.Format(transcriptTimeLayout))
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("\n")
	}

	return b.String()
}

// ParseTranscript rebuilds a session from its markdown transcript. Only
// the user/assistant dialogue is restored; system and tool sections are
// part of the written record but are not replayed into new provider
// calls, where orphaned tool results would be rejected.
func ParseTranscript(content []byte) (*Session, error) {
	doc, err := workflow.Parse(content, true)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           doc.Frontmatter["session_id"],
		Vault:        doc.Frontmatter["vault"],
		ModelAlias:   doc.Frontmatter["model"],
		TemplateName: doc.Frontmatter["template"],
	}
	if created, err := time.Parse(transcriptTimeLayout, doc.Frontmatter["created"]); err == nil {
		s.CreatedAt = created
	}

	for _, sec := range doc.Sections {
		role, ts := parseHeading(sec.Name)
		var msgRole string
		switch role {
		case headingUser:
			msgRole = types.RoleUser
		case headingAssistant:
			msgRole = types.RoleAssistant
		default:
			continue
		}
		s.messages = append(s.messages, types.Message{
			Role:      msgRole,
			Content:   strings.TrimSpace(sec.Body),
			Timestamp: ts,
		})
	}
	return s, nil
}

// parseHeading splits "User (2026-02-10T08:00:00Z)" into role and time.
func parseHeading(name string) (string, time.Time) {
	role := name
	var ts time.Time
	if open := strings.LastIndex(name, "("); open > 0 && strings.HasSuffix(name, ")") {
		role = strings.TrimSpace(name[:open])
		if parsed, err := time.Parse(transcriptTimeLayout, name[open+1:len(name)-1]); err == nil {
			ts = parsed
		}
	}
	return role, ts
}

// SaveTranscript writes the session transcript atomically.
func (st *SessionStore) SaveTranscript(s *Session) error {
	path := st.TranscriptPath(s.Vault, s.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".assistantmd-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(RenderTranscript(s)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move transcript into place: %w", err)
	}
	return nil
}
