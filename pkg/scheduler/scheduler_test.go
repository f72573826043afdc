// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, run RunFunc) *Scheduler {
	t.Helper()
	if run == nil {
		run = func(ctx context.Context, workflowID, runID string) error { return nil }
	}
	s, err := NewScheduler(context.Background(), Config{
		DBPath:     filepath.Join(t.TempDir(), "scheduler.db"),
		Timezone:   "UTC",
		RunTimeout: 10 * time.Second,
		Run:        run,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// seedJob installs a job the way Synchronize would, without needing a
// workflow snapshot.
func seedJob(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	trig, err := PrepareTrigger("cron: 0 9 * * *", time.UTC, time.Now())
	require.NoError(t, err)
	job := &Job{
		JobID:         id,
		TriggerString: trig.String(),
		SourceHash:    "hash-1",
		Enabled:       true,
		Timezone:      "UTC",
		NextRunAt:     trig.Next(time.Now()),
		Args:          map[string]string{"workflow_id": id},
	}
	require.NoError(t, s.store.Create(context.Background(), job))
	s.mu.Lock()
	s.jobs[id] = job
	s.triggers[id] = trig
	s.mu.Unlock()
}

func TestNewScheduler_Validation(t *testing.T) {
	ctx := context.Background()
	run := func(ctx context.Context, workflowID, runID string) error { return nil }

	_, err := NewScheduler(ctx, Config{Run: run})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db path is required")

	_, err = NewScheduler(ctx, Config{DBPath: filepath.Join(t.TempDir(), "s.db")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run callback is required")

	_, err = NewScheduler(ctx, Config{
		DBPath:   filepath.Join(t.TempDir(), "s.db"),
		Run:      run,
		Timezone: "Mars/Olympus",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timezone")
}

func TestNewScheduler_Defaults(t *testing.T) {
	s, err := NewScheduler(context.Background(), Config{
		DBPath: filepath.Join(t.TempDir(), "s.db"),
		Run:    func(ctx context.Context, workflowID, runID string) error { return nil },
	})
	require.NoError(t, err)
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, time.Hour, s.runTimeout)
	assert.Equal(t, time.Local, s.loc)
}

func TestTriggerNow_ManualRun(t *testing.T) {
	type call struct{ workflowID, runID string }
	calls := make(chan call, 1)

	s := newTestScheduler(t, func(ctx context.Context, workflowID, runID string) error {
		calls <- call{workflowID, runID}
		return nil
	})

	// The workflow has no schedule and no job row; manual runs still work.
	runID, err := s.TriggerNow("notes/Workflows/adhoc")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	select {
	case got := <-calls:
		assert.Equal(t, "notes/Workflows/adhoc", got.workflowID)
		assert.Equal(t, runID, got.runID)
	case <-time.After(5 * time.Second):
		t.Fatal("run callback never invoked")
	}

	require.Eventually(t, func() bool {
		return len(s.Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// No job row means nothing to record.
	_, err = s.store.Get(context.Background(), "notes/Workflows/adhoc")
	assert.Error(t, err)
}

func TestTriggerNow_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	s := newTestScheduler(t, func(ctx context.Context, workflowID, runID string) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	first, err := s.TriggerNow("notes/Workflows/slow")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Running()["notes/Workflows/slow"] == first
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.TriggerNow("notes/Workflows/slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Contains(t, err.Error(), first)

	close(release)
	require.Eventually(t, func() bool {
		return len(s.Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.TriggerNow("notes/Workflows/slow")
	assert.NoError(t, err)
}

func TestExecute_RecordsSuccess(t *testing.T) {
	s := newTestScheduler(t, nil)
	seedJob(t, s, "notes/Workflows/daily")

	runID, err := s.TriggerNow("notes/Workflows/daily")
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		history, err := s.JobHistory(ctx, "notes/Workflows/daily", 10)
		return err == nil && len(history) == 1
	}, 5*time.Second, 10*time.Millisecond)

	job, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Stats.TotalRuns)
	assert.Equal(t, 1, job.Stats.SuccessfulRuns)
	assert.Equal(t, "success", job.Stats.LastStatus)
	assert.False(t, job.NextRunAt.IsZero())

	history, err := s.JobHistory(ctx, "notes/Workflows/daily", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, runID, history[0].RunID)
	assert.Equal(t, "success", history[0].Status)
}

func TestExecute_RecordsFailure(t *testing.T) {
	s := newTestScheduler(t, func(ctx context.Context, workflowID, runID string) error {
		return errors.New("step 3 failed: llm exploded")
	})
	seedJob(t, s, "notes/Workflows/daily")

	_, err := s.TriggerNow("notes/Workflows/daily")
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		history, err := s.JobHistory(ctx, "notes/Workflows/daily", 10)
		return err == nil && len(history) == 1
	}, 5*time.Second, 10*time.Millisecond)

	job, err := s.store.Get(ctx, "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Stats.FailedRuns)
	assert.Equal(t, "failed", job.Stats.LastStatus)
	assert.Equal(t, "step 3 failed: llm exploded", job.Stats.LastError)

	history, err := s.JobHistory(ctx, "notes/Workflows/daily", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "failed", history[0].Status)
	assert.Equal(t, "step 3 failed: llm exploded", history[0].Error)
}

func TestExecute_RunTimeout(t *testing.T) {
	s, err := NewScheduler(context.Background(), Config{
		DBPath:     filepath.Join(t.TempDir(), "scheduler.db"),
		Timezone:   "UTC",
		RunTimeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, workflowID, runID string) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	seedJob(t, s, "notes/Workflows/hangs")

	_, err = s.TriggerNow("notes/Workflows/hangs")
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		job, err := s.store.Get(ctx, "notes/Workflows/hangs")
		return err == nil && job.Stats.FailedRuns == 1
	}, 5*time.Second, 10*time.Millisecond)

	job, err := s.store.Get(ctx, "notes/Workflows/hangs")
	require.NoError(t, err)
	assert.Contains(t, job.Stats.LastError, "context deadline exceeded")
}

func TestFire_SkipsWhileRunning(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, func(ctx context.Context, workflowID, runID string) error {
		runs.Add(1)
		return nil
	})
	seedJob(t, s, "notes/Workflows/daily")

	// Mark the workflow as running, then deliver a cron tick.
	s.mu.Lock()
	s.runningRuns["notes/Workflows/daily"] = "run-0"
	s.mu.Unlock()

	s.fire("notes/Workflows/daily")

	job, err := s.store.Get(context.Background(), "notes/Workflows/daily")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Stats.SkippedRuns)
	assert.Equal(t, "skipped", job.Stats.LastStatus)
	assert.Zero(t, runs.Load(), "skipped tick must not execute the workflow")

	s.mu.Lock()
	delete(s.runningRuns, "notes/Workflows/daily")
	s.mu.Unlock()
}

func TestLoadJobs_RestoresState(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	valid := makeTestJob("notes/Workflows/daily")
	require.NoError(t, s.store.Create(ctx, valid))

	exhausted := makeTestJob("notes/Workflows/oneshot")
	exhausted.TriggerString = "once: 2020-01-01 09:00"
	require.NoError(t, s.store.Create(ctx, exhausted))

	broken := makeTestJob("notes/Workflows/broken")
	broken.TriggerString = "whenever"
	require.NoError(t, s.store.Create(ctx, broken))

	require.NoError(t, s.LoadJobs(ctx))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Len(t, s.jobs, 3, "every persisted job loads, parseable or not")
	assert.Contains(t, s.triggers, "notes/Workflows/daily")
	assert.Contains(t, s.triggers, "notes/Workflows/oneshot", "past once: triggers load as exhausted")
	assert.NotContains(t, s.triggers, "notes/Workflows/broken")
	assert.Contains(t, s.cronEntries, "notes/Workflows/daily")
	assert.NotContains(t, s.cronEntries, "notes/Workflows/broken")
}

func TestStop_WaitsForInFlightRuns(t *testing.T) {
	var finished atomic.Bool
	s, err := NewScheduler(context.Background(), Config{
		DBPath:   filepath.Join(t.TempDir(), "scheduler.db"),
		Timezone: "UTC",
		Run: func(ctx context.Context, workflowID, runID string) error {
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
			return nil
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, err = s.TriggerNow("notes/Workflows/slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, finished.Load(), "Stop returned before the run completed")
}
