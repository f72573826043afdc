// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/assistantmd/assistantmd/pkg/workflow"
)

type syncEvent struct {
	action     string
	workflowID string
}

func newSyncScheduler(t *testing.T) (*Scheduler, *[]syncEvent) {
	t.Helper()
	events := &[]syncEvent{}
	s, err := NewScheduler(context.Background(), Config{
		DBPath:   filepath.Join(t.TempDir(), "scheduler.db"),
		Timezone: "UTC",
		Run:      func(ctx context.Context, workflowID, runID string) error { return nil },
		OnJobSynced: func(action, workflowID string) {
			*events = append(*events, syncEvent{action, workflowID})
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, events
}

func stepWorkflow(id, schedule, hash string) *workflow.Workflow {
	return &workflow.Workflow{
		GlobalID:   id,
		Vault:      "notes",
		RelPath:    "Workflows/test.md",
		Engine:     workflow.EngineStep,
		Schedule:   schedule,
		Enabled:    true,
		SourceHash: hash,
	}
}

func snapshotOf(workflows ...*workflow.Workflow) *workflow.Snapshot {
	return &workflow.Snapshot{Workflows: workflows, ScannedAt: time.Now()}
}

func entryID(t *testing.T, s *Scheduler, workflowID string) cron.EntryID {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cronEntries[workflowID]
	require.True(t, ok, "no cron entry for %s", workflowID)
	return id
}

func TestSynchronize_AddsScheduledStepWorkflows(t *testing.T) {
	s, events := newSyncScheduler(t)
	ctx := context.Background()

	scheduled := stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")

	unscheduled := stepWorkflow("notes/Workflows/manual", "", "h2")

	interactive := stepWorkflow("notes/Workflows/chatty", "cron: 0 9 * * *", "h3")
	interactive.Engine = workflow.EngineInteractive

	disabled := stepWorkflow("notes/Workflows/off", "cron: 0 9 * * *", "h4")
	disabled.Enabled = false

	result, err := s.Synchronize(ctx, snapshotOf(scheduled, interactive, unscheduled, disabled))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Removed)
	assert.Empty(t, result.Invalid)

	job, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, "cron: 0 9 * * *", job.TriggerString)
	assert.Equal(t, "h1", job.SourceHash)
	assert.Equal(t, "UTC", job.Timezone)
	assert.False(t, job.NextRunAt.IsZero())
	assert.Equal(t, map[string]string{"workflow_id": "notes/Workflows/daily"}, job.Args)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "only enabled scheduled step workflows get jobs")

	assert.Equal(t, []syncEvent{{"added", "notes/Workflows/daily"}}, *events)
	entryID(t, s, "notes/Workflows/daily")
}

func TestSynchronize_UnchangedLeavesJobAlone(t *testing.T) {
	s, events := newSyncScheduler(t)
	ctx := context.Background()

	snap := snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1"))

	_, err := s.Synchronize(ctx, snap)
	require.NoError(t, err)

	result, err := s.Synchronize(ctx, snap)
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 1, result.Unchanged)
	assert.Len(t, *events, 1, "no event for an unchanged job")
}

func TestSynchronize_ContentEditPreservesNextRun(t *testing.T) {
	s, events := newSyncScheduler(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")))
	require.NoError(t, err)

	before, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	entryBefore := entryID(t, s, "notes/Workflows/daily")

	// Same schedule, new content hash: a body edit, not a reschedule.
	result, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h2")))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	after, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, "h2", after.SourceHash)
	assert.Equal(t, before.NextRunAt.Unix(), after.NextRunAt.Unix(), "body edits must not reset the pending fire time")
	assert.Equal(t, entryBefore, entryID(t, s, "notes/Workflows/daily"), "cron entry survives a body edit")

	assert.Equal(t, syncEvent{"updated", "notes/Workflows/daily"}, (*events)[len(*events)-1])
}

func TestSynchronize_TriggerChangeReschedules(t *testing.T) {
	s, _ := newSyncScheduler(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")))
	require.NoError(t, err)
	entryBefore := entryID(t, s, "notes/Workflows/daily")

	result, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 30 18 * * *", "h1")))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	after, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, "cron: 30 18 * * *", after.TriggerString)

	next := after.NextRunAt.In(time.UTC)
	assert.Equal(t, 18, next.Hour())
	assert.Equal(t, 30, next.Minute())

	assert.NotEqual(t, entryBefore, entryID(t, s, "notes/Workflows/daily"), "a new trigger gets a fresh cron entry")
}

func TestSynchronize_RemovesStaleJobs(t *testing.T) {
	s, events := newSyncScheduler(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, snapshotOf(
		stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1"),
		stepWorkflow("notes/Workflows/weekly", "cron: 0 10 * * 1", "h2"),
	))
	require.NoError(t, err)

	result, err := s.Synchronize(ctx, snapshotOf(
		stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1"),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Unchanged)

	_, err = s.store.Get(ctx, "notes/Workflows/weekly")
	assert.Error(t, err)

	s.mu.RLock()
	_, hasEntry := s.cronEntries["notes/Workflows/weekly"]
	s.mu.RUnlock()
	assert.False(t, hasEntry)

	assert.Equal(t, syncEvent{"removed", "notes/Workflows/weekly"}, (*events)[len(*events)-1])
}

func TestSynchronize_DisablingRemovesJob(t *testing.T) {
	s, _ := newSyncScheduler(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")))
	require.NoError(t, err)

	off := stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")
	off.Enabled = false

	result, err := s.Synchronize(ctx, snapshotOf(off))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSynchronize_InvalidScheduleReported(t *testing.T) {
	s, _ := newSyncScheduler(t)
	ctx := context.Background()

	result, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: bad bad", "h1")))
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	require.Len(t, result.Invalid, 1)
	assert.Equal(t, "notes/Workflows/daily", result.Invalid[0].WorkflowID)
	assert.Equal(t, "cron: bad bad", result.Invalid[0].Schedule)
	assert.NotEmpty(t, result.Invalid[0].Reason)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSynchronize_ScheduleGoingInvalidRemovesJob(t *testing.T) {
	s, _ := newSyncScheduler(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: 0 9 * * *", "h1")))
	require.NoError(t, err)

	// The user breaks the schedule line; the job must stop firing.
	result, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/daily", "cron: gibberish", "h2")))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	require.Len(t, result.Invalid, 1)

	_, err = s.store.Get(ctx, "notes/Workflows/daily")
	assert.Error(t, err)
}

func TestSynchronize_OnceTrigger(t *testing.T) {
	s, _ := newSyncScheduler(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Minute)
	schedule := "once: " + at.Format("2006-01-02 15:04")

	result, err := s.Synchronize(ctx, snapshotOf(stepWorkflow("notes/Workflows/oneshot", schedule, "h1")))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	job, err := s.store.Get(ctx, "notes/Workflows/oneshot")
	require.NoError(t, err)
	assert.Equal(t, schedule, job.TriggerString)
	assert.Equal(t, at.Unix(), job.NextRunAt.Unix())
}
