// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc executes one workflow run. The scheduler calls it from its own
// goroutine with a deadline context; the error decides success vs failure
// in the job stats.
type RunFunc func(ctx context.Context, workflowID, runID string) error

// Config contains scheduler configuration.
type Config struct {
	// DBPath is the SQLite file holding jobs and run history.
	DBPath string

	// Timezone is the IANA zone cron expressions evaluate in.
	// Empty means the host's local zone.
	Timezone string

	// RunTimeout bounds a single workflow run. Zero means one hour.
	RunTimeout time.Duration

	// Run is the workflow execution callback.
	Run RunFunc

	// OnJobSynced, when set, is called with ("added"|"updated"|"removed",
	// workflowID) as Synchronize reconciles jobs.
	OnJobSynced func(action, workflowID string)

	Logger *zap.Logger
}

// Scheduler manages cron-based workflow execution. Lifecycle:
// NewScheduler, LoadJobs, Synchronize, Resume, then Stop on shutdown.
// The cron engine stays paused until Resume so a stale job store never
// fires against a half-synced workflow set.
type Scheduler struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	triggers    map[string]*Trigger
	runningRuns map[string]string // workflow_id -> run_id
	cronEngine  *cron.Cron
	cronEntries map[string]cron.EntryID
	store       *Store
	run         RunFunc
	onJobSynced func(action, workflowID string)
	loc         *time.Location
	runTimeout  time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewScheduler opens the job store and builds a paused scheduler.
func NewScheduler(ctx context.Context, config Config) (*Scheduler, error) {
	if config.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if config.Run == nil {
		return nil, fmt.Errorf("run callback is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	loc := time.Local
	if config.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
		}
	}

	runTimeout := config.RunTimeout
	if runTimeout == 0 {
		runTimeout = time.Hour
	}

	store, err := NewStore(ctx, config.DBPath, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Scheduler{
		jobs:        make(map[string]*Job),
		triggers:    make(map[string]*Trigger),
		runningRuns: make(map[string]string),
		cronEngine:  cron.New(),
		cronEntries: make(map[string]cron.EntryID),
		store:       store,
		run:         config.Run,
		onJobSynced: config.OnJobSynced,
		loc:         loc,
		runTimeout:  runTimeout,
		logger:      config.Logger,
	}, nil
}

// LoadJobs restores persisted jobs into memory and registers their cron
// entries. The engine is still paused, so nothing fires until Resume.
// Jobs whose stored trigger no longer parses are kept without a trigger;
// the next Synchronize repairs or removes them.
func (s *Scheduler) LoadJobs(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		s.jobs[job.JobID] = job

		trig, err := prepareStoredTrigger(job.TriggerString, s.loc)
		if err != nil {
			s.logger.Warn("Stored trigger no longer parses",
				zap.String("workflow_id", job.JobID),
				zap.String("trigger", job.TriggerString),
				zap.Error(err))
			continue
		}
		s.triggers[job.JobID] = trig

		if job.Enabled {
			s.registerEntryLocked(job.JobID, trig)
		}
	}

	s.logger.Info("Loaded scheduled jobs", zap.Int("count", len(jobs)))
	return nil
}

// Resume starts the cron engine. Call after the first Synchronize.
func (s *Scheduler) Resume() {
	s.cronEngine.Start()
	s.logger.Info("Scheduler resumed")
}

// Stop halts the cron engine, waits for in-flight runs bounded by ctx,
// and closes the store.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cronEngine.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for cron jobs to finish")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for workflow runs to finish")
	}

	s.logger.Info("Scheduler stopped")
	return s.store.Close()
}

// TriggerNow starts a manual run of a workflow, scheduled or not, and
// returns its run id. Errors if the workflow already has a run in flight.
func (s *Scheduler) TriggerNow(workflowID string) (string, error) {
	runID := uuid.New().String()

	s.mu.Lock()
	if existing, running := s.runningRuns[workflowID]; running {
		s.mu.Unlock()
		return "", fmt.Errorf("workflow %s is already running (run %s)", workflowID, existing)
	}
	s.runningRuns[workflowID] = runID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(workflowID, runID, false)
	}()

	return runID, nil
}

// Running returns a snapshot of in-flight runs keyed by workflow id.
func (s *Scheduler) Running() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := make(map[string]string, len(s.runningRuns))
	for id, runID := range s.runningRuns {
		running[id] = runID
	}
	return running
}

// ListJobs returns all persisted jobs.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.store.List(ctx)
}

// JobHistory returns recent run records for one workflow, newest first.
func (s *Scheduler) JobHistory(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	return s.store.History(ctx, workflowID, limit)
}

// registerEntryLocked adds a cron entry for a trigger. Caller holds s.mu.
func (s *Scheduler) registerEntryLocked(workflowID string, trig *Trigger) {
	id := workflowID
	entryID := s.cronEngine.Schedule(trig.Schedule(), cron.FuncJob(func() {
		s.fire(id)
	}))
	s.cronEntries[workflowID] = entryID
}

// removeEntryLocked drops a workflow's cron entry. Caller holds s.mu.
func (s *Scheduler) removeEntryLocked(workflowID string) {
	if entryID, ok := s.cronEntries[workflowID]; ok {
		s.cronEngine.Remove(entryID)
		delete(s.cronEntries, workflowID)
	}
}

// fire handles a cron tick for one workflow. Runs inside the cron
// goroutine, which Stop already tracks.
func (s *Scheduler) fire(workflowID string) {
	runID := uuid.New().String()

	s.mu.Lock()
	if existing, running := s.runningRuns[workflowID]; running {
		s.mu.Unlock()
		s.logger.Info("Skipping scheduled run, workflow still running",
			zap.String("workflow_id", workflowID),
			zap.String("running_run_id", existing))
		if err := s.store.IncrementSkipped(context.Background(), workflowID); err != nil {
			s.logger.Error("Failed to record skipped run",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
		return
	}
	s.runningRuns[workflowID] = runID
	s.mu.Unlock()

	s.execute(workflowID, runID, true)
}

// execute runs the workflow callback and records the outcome. The caller
// must have claimed runningRuns[workflowID] already.
func (s *Scheduler) execute(workflowID, runID string, scheduled bool) {
	startedAt := time.Now()
	s.logger.Info("Executing workflow",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", runID),
		zap.Bool("scheduled", scheduled))

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	runErr := s.run(ctx, workflowID, runID)
	completedAt := time.Now()

	s.mu.Lock()
	delete(s.runningRuns, workflowID)
	_, hasJob := s.jobs[workflowID]
	trig := s.triggers[workflowID]
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("Workflow run failed",
			zap.String("workflow_id", workflowID),
			zap.String("run_id", runID),
			zap.Duration("duration", completedAt.Sub(startedAt)),
			zap.Error(runErr))
	} else {
		s.logger.Info("Workflow run completed",
			zap.String("workflow_id", workflowID),
			zap.String("run_id", runID),
			zap.Duration("duration", completedAt.Sub(startedAt)))
	}

	// Manual runs of unscheduled workflows have no job row to update.
	if !hasJob {
		return
	}

	recordCtx := context.Background()
	status := "success"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
		if err := s.store.RecordFailure(recordCtx, workflowID, errMsg); err != nil {
			s.logger.Error("Failed to record failure", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	} else {
		if err := s.store.RecordSuccess(recordCtx, workflowID); err != nil {
			s.logger.Error("Failed to record success", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}

	exec := &Execution{
		RunID:       runID,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Status:      status,
		Error:       errMsg,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}
	if err := s.store.RecordExecution(recordCtx, workflowID, exec); err != nil {
		s.logger.Error("Failed to record execution", zap.String("workflow_id", workflowID), zap.Error(err))
	}

	if trig != nil {
		if err := s.store.UpdateNextRun(recordCtx, workflowID, trig.Next(time.Now())); err != nil {
			s.logger.Error("Failed to update next run", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
}
