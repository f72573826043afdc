// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/filestate"
	"github.com/assistantmd/assistantmd/pkg/llm/factory"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// recorderFake captures activity records in order.
type recorderFake struct {
	mu      sync.Mutex
	records []activity.Record
}

func (r *recorderFake) Emit(rec activity.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorderFake) kinds() []activity.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]activity.Kind, 0, len(r.records))
	for _, rec := range r.records {
		kinds = append(kinds, rec.Event)
	}
	return kinds
}

func (r *recorderFake) last(kind activity.Kind) (activity.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Event == kind {
			return r.records[i], true
		}
	}
	return activity.Record{}, false
}

func (r *recorderFake) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

type testHarness struct {
	t        *testing.T
	dataRoot string
	eng      *Engine
	loader   *workflow.Loader
	recorder *recorderFake
	fstate   *filestate.Store
	mock     *tools.MockTool
}

func newTestEngine(t *testing.T) *testHarness {
	t.Helper()
	return newTestEngineAt(t, nil)
}

// newTestEngineAt pins the run's reference date. A nil clock keeps the
// wall-clock default.
func newTestEngineAt(t *testing.T, now func() time.Time) *testHarness {
	t.Helper()

	dataRoot := t.TempDir()
	logger := zaptest.NewLogger(t)

	settings := &config.Settings{
		Defaults: config.DefaultsConfig{
			Model:             "echo",
			WeekStartDay:      "monday",
			LatestCap:         50,
			PendingDefault:    10,
			APITimeoutSeconds: 10,
		},
		Providers: map[string]config.ProviderConfig{
			"test":      {Kind: "echo"},
			"anthropic": {Kind: "anthropic", Secret: "anthropic_api_key"},
		},
		Models: map[string]config.ModelConfig{
			"echo":   {Provider: "test", ModelID: "echo-1"},
			"claude": {Provider: "anthropic", ModelID: "claude-sonnet-4-5-20250929"},
		},
		Tools: map[string]config.ToolConfig{
			"mock_tool": {Enabled: true},
		},
	}

	secrets, err := config.LoadSecrets(t.TempDir())
	require.NoError(t, err)

	loader := workflow.NewLoader(dataRoot, logger)

	fstate, err := filestate.NewStore(context.Background(), filepath.Join(t.TempDir(), "filestate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fstate.Close() })

	mock := &tools.MockTool{}
	registry := tools.NewRegistry()
	registry.Register(mock)

	recorder := &recorderFake{}
	eng, err := New(Config{
		Loader:    loader,
		Factory:   factory.New(settings, secrets, logger),
		Registry:  registry,
		Settings:  settings,
		Secrets:   secrets,
		FileState: fstate,
		Activity:  recorder,
		Now:       now,
		Logger:    logger,
	})
	require.NoError(t, err)

	return &testHarness{
		t:        t,
		dataRoot: dataRoot,
		eng:      eng,
		loader:   loader,
		recorder: recorder,
		fstate:   fstate,
		mock:     mock,
	}
}

// writeWorkflow puts a workflow file in the "notes" vault, rescans, and
// returns the workflow's global ID.
func (h *testHarness) writeWorkflow(rel, content string) string {
	h.t.Helper()
	h.writeNote(rel, content)
	_, err := h.loader.Rescan()
	require.NoError(h.t, err)
	return "notes/" + strings.TrimSuffix(rel, ".md")
}

func (h *testHarness) writeNote(rel, content string) {
	h.t.Helper()
	abs := filepath.Join(h.dataRoot, "notes", filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(h.t, os.WriteFile(abs, []byte(content), 0o644))
}

func (h *testHarness) readNote(rel string) string {
	h.t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.dataRoot, "notes", filepath.FromSlash(rel)))
	require.NoError(h.t, err)
	return string(raw)
}

func (h *testHarness) noteExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.dataRoot, "notes", filepath.FromSlash(rel)))
	return err == nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loader is required")

	h := newTestEngine(t)
	cfg := Config{
		Loader:    h.loader,
		Factory:   h.eng.factory,
		Settings:  h.eng.settings,
		Secrets:   h.eng.secrets,
		FileState: h.fstate,
	}

	broken := cfg
	broken.Settings = &config.Settings{Defaults: config.DefaultsConfig{WeekStartDay: "someday"}}
	_, err = New(broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "week_start_day")

	eng, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, eng.registry, "a missing registry defaults to an empty one")
}

func TestRun_WritesFileOutput(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/todo.md", "Buy milk.\n")

	id := h.writeWorkflow("Workflows/daily.md", `---
schedule: none
---

## Summarize Inbox

@input file: Inbox/todo.md
@output file: Daily/summary
@write-mode replace

Summarize the notes below.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Daily/summary.md")
	assert.Contains(t, got, "Summarize the notes below.")
	assert.Contains(t, got, "### Inbox/todo.md")
	assert.Contains(t, got, "Buy milk.")

	assert.Equal(t, []activity.Kind{
		activity.RunStarted,
		activity.StepCompleted,
		activity.RunCompleted,
	}, h.recorder.kinds())
}

func TestRun_BuffersFlowBetweenSections(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/pipeline.md", `---
schedule: none
---

## Draft

@output variable: draft

Write a draft.

## Publish

@input variable: draft (required)
@output file: Final/out
@write-mode replace

Publish the draft.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Final/out.md")
	assert.Contains(t, got, "Publish the draft.")
	assert.Contains(t, got, "### draft")
	assert.Contains(t, got, "Write a draft.", "the first section's output feeds the second")
}

func TestRun_RunOnNeverSkips(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/dormant.md", `---
schedule: none
---

## Dormant

@run-on never
@output file: Final/never
@write-mode replace

Should not run.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	assert.False(t, h.noteExists("Final/never.md"))
	assert.Equal(t, []activity.Kind{
		activity.RunStarted,
		activity.StepSkipped,
		activity.RunCompleted,
	}, h.recorder.kinds())

	rec, ok := h.recorder.last(activity.StepSkipped)
	require.True(t, ok)
	assert.Contains(t, rec.Detail, "run-on")
}

func TestRun_WeekdayGateSplitsOutputs(t *testing.T) {
	monday := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	clock := monday
	h := newTestEngineAt(t, func() time.Time { return clock })

	id := h.writeWorkflow("Workflows/planner.md", `---
schedule: none
---

## Plan The Week

@run-on monday
@output file: Planning/{this-week}
@write-mode replace

Lay out the week.

## Daily Note

@output file: Daily/{today}
@write-mode replace

Capture today.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-mon"))
	assert.True(t, h.noteExists("Planning/2026-01-05.md"))
	assert.True(t, h.noteExists("Daily/2026-01-05.md"))
	assert.Equal(t, []activity.Kind{
		activity.RunStarted,
		activity.StepCompleted,
		activity.StepCompleted,
		activity.RunCompleted,
	}, h.recorder.kinds())

	clock = monday.AddDate(0, 0, 1)
	h.recorder.reset()
	require.NoError(t, h.eng.Run(context.Background(), id, "run-tue"))

	assert.True(t, h.noteExists("Daily/2026-01-06.md"))
	assert.Equal(t, []activity.Kind{
		activity.RunStarted,
		activity.StepSkipped,
		activity.StepCompleted,
		activity.RunCompleted,
	}, h.recorder.kinds(), "only the daily section runs on a Tuesday")

	rec, ok := h.recorder.last(activity.StepSkipped)
	require.True(t, ok)
	assert.Contains(t, rec.Detail, "tuesday")
}

func TestRun_RequiredInputSkipsStep(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/empty.md", `---
schedule: none
---

## Needs Input

@input file: Missing/{latest} (required)
@output file: Final/out
@write-mode replace

Work on the files.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	assert.False(t, h.noteExists("Final/out.md"), "a skipped step must not write")
	rec, ok := h.recorder.last(activity.StepSkipped)
	require.True(t, ok)
	assert.Contains(t, rec.Detail, "matched nothing")
}

func TestRun_MissingLiteralInputInjectsMarker(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/optional.md", `---
schedule: none
---

## Tolerant

@input file: Missing/notes.md
@output file: Final/out
@write-mode replace

Hello.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Final/out.md")
	assert.Contains(t, got, "Hello.")
	assert.Contains(t, got, "### Missing/notes.md")
	assert.Contains(t, got, "[missing input: Missing/notes.md]",
		"a missing single file leaves a visible gap in the prompt")
}

func TestRun_OptionalEmptyCollectionStaysSilent(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/optional.md", `---
schedule: none
---

## Tolerant

@input file: Missing/{latest}
@output file: Final/out
@write-mode replace

Hello.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))
	assert.Equal(t, "Hello.\n", h.readNote("Final/out.md"),
		"an empty collection adds nothing to the prompt")
}

func TestRun_UnknownWorkflow(t *testing.T) {
	h := newTestEngine(t)

	err := h.eng.Run(context.Background(), "notes/Workflows/ghost", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow not found")
	assert.Empty(t, h.recorder.kinds(), "nothing ran, nothing is recorded")
}

func TestRun_InteractiveWorkflowRejected(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/chatty.md", `---
engine: interactive
---

## Chat

Talk to me.
`)

	err := h.eng.Run(context.Background(), id, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interactive")
}

func TestRun_FailedStepContinuesRun(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/mixed.md", `---
schedule: none
---

## Broken

@model ghost

This step cannot resolve its model.

## Works

@output file: Final/ok
@write-mode replace

Still runs.
`)

	err := h.eng.Run(context.Background(), id, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 steps failed")
	assert.Contains(t, err.Error(), "Broken")

	assert.Equal(t, "Still runs.\n", h.readNote("Final/ok.md"),
		"a failed step must not stop later sections")
	assert.Equal(t, []activity.Kind{
		activity.RunStarted,
		activity.StepFailed,
		activity.StepCompleted,
		activity.RunFailed,
	}, h.recorder.kinds())
}

func TestRun_MissingSecretNamesIt(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/cloud.md", `---
schedule: none
---

## Needs Claude

@model claude

Think hard.
`)

	err := h.eng.Run(context.Background(), id, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure anthropic_api_key")
}

func TestRun_PendingConsumedOnSuccess(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/a.md", "first\n")
	h.writeNote("Inbox/b.md", "second\n")

	id := h.writeWorkflow("Workflows/inbox.md", `---
schedule: none
---

## Process Inbox

@input file: Inbox/{pending} (required)
@output file: Digest/processed
@write-mode replace

Process these.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Digest/processed.md")
	assert.Contains(t, got, "### Inbox/a.md")
	assert.Contains(t, got, "### Inbox/b.md")

	count, err := h.fstate.ConsumedCount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Nothing is pending anymore, so the next run skips the step.
	h.recorder.reset()
	require.NoError(t, h.eng.Run(context.Background(), id, "run-2"))
	rec, ok := h.recorder.last(activity.StepSkipped)
	require.True(t, ok)
	assert.Contains(t, rec.Detail, "matched nothing")
}

func TestRun_FailedStepLeavesPendingUnconsumed(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/a.md", "first\n")

	id := h.writeWorkflow("Workflows/inbox.md", `---
schedule: none
---

## Process Inbox

@input file: Inbox/{pending} (required)
@model ghost

Process these.
`)

	require.Error(t, h.eng.Run(context.Background(), id, "run-1"))

	count, err := h.fstate.ConsumedCount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed steps must leave their files pending")
}

func TestRun_EchoRunsAreIdempotent(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/todo.md", "Buy milk.\n")

	id := h.writeWorkflow("Workflows/daily.md", `---
schedule: none
---

## Summarize

@input file: Inbox/todo.md
@output file: Daily/summary
@write-mode replace

Summarize.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))
	first := h.readNote("Daily/summary.md")

	require.NoError(t, h.eng.Run(context.Background(), id, "run-2"))
	second := h.readNote("Daily/summary.md")

	assert.Equal(t, first, second, "same inputs and a deterministic model give the same output")
}

func TestRun_NewModeCreatesNumberedFiles(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/report.md", `---
schedule: none
---

## Report

@output file: Reports/report
@write-mode new
@header Report {today}

Generate the report.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))
	require.True(t, h.noteExists("Reports/report_001.md"))

	require.NoError(t, h.eng.Run(context.Background(), id, "run-2"))
	require.True(t, h.noteExists("Reports/report_002.md"))

	got := h.readNote("Reports/report_001.md")
	assert.True(t, strings.HasPrefix(got, "# Report "), "header goes in as an H1: %q", got)
	assert.Contains(t, got, "Generate the report.")
}

func TestRun_AppendHeaderOncePerRun(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/journal.md", `---
schedule: none
---

## First

@output file: Log/journal
@header Journal

First entry.

## Second

@output file: Log/journal
@header Journal

Second entry.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Log/journal.md")
	assert.Equal(t, "# Journal\n\nFirst entry.\nSecond entry.\n", got)
	assert.Equal(t, 1, strings.Count(got, "# Journal"),
		"the header is written once per file per run")
}

func TestRun_RefsOnlyListsPaths(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/a.md", "AAA\n")
	h.writeNote("Inbox/b.md", "BBB\n")

	id := h.writeWorkflow("Workflows/list.md", `---
schedule: none
---

## List Files

@input file: Inbox/* (refs_only)
@output file: Final/list
@write-mode replace

Review these files.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Final/list.md")
	assert.Contains(t, got, "- Inbox/a.md")
	assert.Contains(t, got, "- Inbox/b.md")
	assert.NotContains(t, got, "AAA", "refs_only must not inline content")
}

func TestRun_ImagesFiltered(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/note.md", "text\n")
	h.writeNote("Inbox/pic.png", "\x89PNG\r\n")

	id := h.writeWorkflow("Workflows/textonly.md", `---
schedule: none
---

## Text Only

@input file: Inbox/* (images=ignore)
@output file: Final/text
@write-mode replace

Read.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Final/text.md")
	assert.Contains(t, got, "### Inbox/note.md")
	assert.NotContains(t, got, "pic.png")
}

func TestRun_ImagesAutoKeepsReference(t *testing.T) {
	h := newTestEngine(t)
	h.writeNote("Inbox/pic.png", "\x89PNG\r\n")

	id := h.writeWorkflow("Workflows/images.md", `---
schedule: none
---

## With Images

@input file: Inbox/*
@output file: Final/images
@write-mode replace

Read.
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	got := h.readNote("Final/images.md")
	assert.Contains(t, got, "### Inbox/pic.png")
	assert.Contains(t, got, "(image attachment)")
	assert.NotContains(t, got, "\x89PNG", "binary bytes never reach the prompt")
}

func TestRun_EmptySectionSkips(t *testing.T) {
	h := newTestEngine(t)

	id := h.writeWorkflow("Workflows/blank.md", `---
schedule: none
---

## Blank

@write-mode replace
`)

	require.NoError(t, h.eng.Run(context.Background(), id, "run-1"))

	rec, ok := h.recorder.last(activity.StepSkipped)
	require.True(t, ok)
	assert.Contains(t, rec.Detail, "no body and no inputs")
}
