// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package contextmgr curates chat history. Each chat turn runs the
// selected context template's sections in order; every section may invoke
// a manager model to compile a summary, which is injected as a system
// message ahead of the passthrough slice of the raw history.
package contextmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// Reserved section names. These configure the chat agent and the manager
// prompts; they are never executed as context steps.
const (
	SectionChatInstructions    = "Chat Instructions"
	SectionContextInstructions = "Context Instructions"
)

// TemplatesDirName is the directory templates live in, vault-local under
// AssistantMD/ or global under the system root.
const TemplatesDirName = "ContextTemplates"

// Template is one parsed context template file.
type Template struct {
	// Name is the template file name without the .md extension.
	Name string

	// Vault is empty for a global (system-root) template.
	Vault string

	// Path is the template's path relative to its root, slash-separated.
	Path string

	// SourceHash is the canonical content hash, the cache invalidator.
	SourceHash string

	// ChatInstructions is appended to the chat agent's system prompt.
	ChatInstructions string

	// ContextInstructions is prepended to every context-step prompt.
	ContextInstructions string

	// Steps are the executable sections, in file order.
	Steps []workflow.Section
}

// ParseTemplate parses template file content. Frontmatter is optional;
// the reserved sections are split out and everything else becomes a step.
func ParseTemplate(name, vault, relPath string, content []byte) (*Template, error) {
	doc, err := workflow.Parse(content, false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	t := &Template{
		Name:       name,
		Vault:      vault,
		Path:       relPath,
		SourceHash: workflow.SourceHash(content),
	}
	for _, sec := range doc.Sections {
		switch sec.Name {
		case SectionChatInstructions:
			t.ChatInstructions = strings.TrimSpace(sec.Body)
		case SectionContextInstructions:
			t.ContextInstructions = strings.TrimSpace(sec.Body)
		default:
			sec.Index = len(t.Steps)
			t.Steps = append(t.Steps, sec)
		}
	}
	return t, nil
}

// Finder locates context templates by name. Vault-local templates shadow
// global ones of the same name.
type Finder struct {
	dataRoot   string
	systemRoot string
}

// NewFinder creates a template finder over the data and system roots.
func NewFinder(dataRoot, systemRoot string) *Finder {
	return &Finder{dataRoot: dataRoot, systemRoot: systemRoot}
}

// Find loads a template by name for a vault. The vault's
// AssistantMD/ContextTemplates/ is tried first, then the system root's
// ContextTemplates/. A missing template is an error; chat without a
// template simply skips the manager.
func (f *Finder) Find(vault, name string) (*Template, error) {
	file := name
	if !strings.HasSuffix(file, ".md") {
		file += ".md"
	}

	vaultPath := filepath.Join(f.dataRoot, vault, "AssistantMD", TemplatesDirName, file)
	if content, err := os.ReadFile(vaultPath); err == nil {
		rel := "AssistantMD/" + TemplatesDirName + "/" + file
		return ParseTemplate(name, vault, rel, content)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read template %s: %w", vaultPath, err)
	}

	systemPath := filepath.Join(f.systemRoot, TemplatesDirName, file)
	if content, err := os.ReadFile(systemPath); err == nil {
		return ParseTemplate(name, "", TemplatesDirName+"/"+file, content)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read template %s: %w", systemPath, err)
	}

	return nil, fmt.Errorf("context template %q not found for vault %s", name, vault)
}

// List names every template visible to a vault, vault-local first,
// deduplicated by name.
func (f *Finder) List(vault string) []string {
	seen := make(map[string]bool)
	var names []string

	dirs := []string{
		filepath.Join(f.dataRoot, vault, "AssistantMD", TemplatesDirName),
		filepath.Join(f.systemRoot, TemplatesDirName),
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".md")
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
