// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workflow parses vault workflow files and keeps the loaded set
// current. A workflow is one markdown file under a vault's Workflows/
// directory: frontmatter for scheduling and engine selection, ## sections
// for the steps.
package workflow

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/assistantmd/assistantmd/pkg/directive"
	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// EngineKind selects the executor that runs a workflow.
type EngineKind string

const (
	// EngineStep runs sections sequentially as one-shot LLM steps.
	EngineStep EngineKind = "step"

	// EngineInteractive marks a workflow as a chat context template.
	EngineInteractive EngineKind = "interactive"
)

// Section is one ## heading and its body, directive block included.
type Section struct {
	Index int
	Name  string
	Body  string
}

// Workflow is the parsed record for one workflow file. Instances are
// immutable after load; the loader hands out the same pointer until the
// file's content hash changes.
type Workflow struct {
	// GlobalID is "{vault}/{relative-path-without-extension}", stable
	// for a given file path.
	GlobalID string

	// Vault is the vault directory name under the data root.
	Vault string

	// RelPath is the vault-relative file path, slash-separated,
	// including the Workflows/ prefix.
	RelPath string

	// AbsPath is the absolute path on disk.
	AbsPath string

	Engine   EngineKind
	Schedule string

	// Enabled gates scheduled execution only; manual runs ignore it.
	Enabled bool

	// WeekStart overrides the global week start day when set.
	WeekStart *time.Weekday

	Description string

	// Frontmatter preserves every key, known or not.
	Frontmatter map[string]string

	Sections   []Section
	SourceHash string

	mu    sync.Mutex
	steps map[int]*stepParse
}

type stepParse struct {
	directives *directive.Map
	prompt     string
	err        error
}

// GlobalID builds the stable workflow identity from its vault and
// vault-relative path.
func GlobalID(vault, relPath string) string {
	rel := strings.TrimSuffix(filepath.ToSlash(relPath), ".md")
	return vault + "/" + rel
}

// FromDocument assembles a Workflow from a parsed document. Frontmatter
// errors (bad engine kind, unparseable enabled flag, unknown weekday) fail
// the whole file.
func FromDocument(vault, relPath, absPath string, doc *Document, sourceHash string) (*Workflow, error) {
	w := &Workflow{
		GlobalID:    GlobalID(vault, relPath),
		Vault:       vault,
		RelPath:     filepath.ToSlash(relPath),
		AbsPath:     absPath,
		Engine:      EngineStep,
		Enabled:     true,
		Frontmatter: doc.Frontmatter,
		Sections:    doc.Sections,
		SourceHash:  sourceHash,
	}

	if v := doc.Frontmatter["engine"]; v != "" {
		switch kind := EngineKind(strings.ToLower(v)); kind {
		case EngineStep, EngineInteractive:
			w.Engine = kind
		default:
			return nil, fmt.Errorf("unknown engine %q, expected step or interactive", v)
		}
	}
	w.Schedule = doc.Frontmatter["schedule"]
	if v := doc.Frontmatter["enabled"]; v != "" {
		enabled, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return nil, fmt.Errorf("invalid enabled value %q", v)
		}
		w.Enabled = enabled
	}
	if v := doc.Frontmatter["week_start_day"]; v != "" {
		day, err := patterns.ParseWeekday(v)
		if err != nil {
			return nil, fmt.Errorf("invalid week_start_day: %w", err)
		}
		w.WeekStart = &day
	}
	w.Description = doc.Frontmatter["description"]

	return w, nil
}

// Step returns the parsed directives and prompt body for one section.
// Results are memoized on the workflow instance, so the parse happens at
// most once per source hash. A directive error fails the step, not the
// workflow.
func (w *Workflow) Step(index int) (*directive.Map, string, error) {
	if index < 0 || index >= len(w.Sections) {
		return nil, "", fmt.Errorf("section index %d out of range (workflow has %d)", index, len(w.Sections))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.steps == nil {
		w.steps = make(map[int]*stepParse)
	}
	if p, ok := w.steps[index]; ok {
		return p.directives, p.prompt, p.err
	}

	sec := w.Sections[index]
	dirs, prompt, err := directive.ParseBlock(sec.Name, sec.Body)
	w.steps[index] = &stepParse{directives: dirs, prompt: prompt, err: err}
	return dirs, prompt, err
}

// WeekStartOr returns the workflow's week start override, or def when the
// frontmatter left it unset.
func (w *Workflow) WeekStartOr(def time.Weekday) time.Weekday {
	if w.WeekStart != nil {
		return *w.WeekStart
	}
	return def
}

// Scheduled reports whether the workflow declares a schedule at all.
func (w *Workflow) Scheduled() bool {
	return strings.TrimSpace(w.Schedule) != ""
}
