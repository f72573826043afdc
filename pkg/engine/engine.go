// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package engine executes step workflows. Each ## section of a workflow
// file is one step: its directives choose the inputs, model, tools, and
// output target; the section body becomes the prompt. Steps run strictly
// in order, handing content forward through vault files and named buffers.
//
// A failed step is recorded and the run moves on to the next section. Only
// a failure of the run itself (unknown workflow, cancelled context) stops
// execution early.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/buffers"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/filestate"
	"github.com/assistantmd/assistantmd/pkg/llm/factory"
	"github.com/assistantmd/assistantmd/pkg/patterns"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// Recorder receives run and step lifecycle events. *activity.Log is the
// production implementation.
type Recorder interface {
	Emit(r activity.Record)
}

// Config wires an Engine to the rest of the system.
type Config struct {
	Loader    *workflow.Loader
	Factory   *factory.ProviderFactory
	Registry  *tools.Registry
	Settings  *config.Settings
	Secrets   *config.Secrets
	FileState *filestate.Store

	// Activity may be nil; events are then dropped.
	Activity Recorder

	// Now supplies the reference date for each run. Defaults to time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// Engine runs step workflows against the current loader snapshot.
type Engine struct {
	loader    *workflow.Loader
	factory   *factory.ProviderFactory
	registry  *tools.Registry
	executor  *tools.Executor
	settings  *config.Settings
	secrets   *config.Secrets
	fileState *filestate.Store
	activity  Recorder
	now       func() time.Time
	logger    *zap.Logger

	weekStart  time.Weekday
	apiTimeout time.Duration
}

// New creates an Engine. The loader, factory, settings, secrets, and file
// state store are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secrets store is required")
	}
	if cfg.FileState == nil {
		return nil, fmt.Errorf("file state store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	weekStart, err := patterns.ParseWeekday(cfg.Settings.Defaults.WeekStartDay)
	if err != nil {
		return nil, fmt.Errorf("defaults.week_start_day: %w", err)
	}

	return &Engine{
		loader:     cfg.Loader,
		factory:    cfg.Factory,
		registry:   cfg.Registry,
		executor:   tools.NewExecutor(cfg.Registry),
		settings:   cfg.Settings,
		secrets:    cfg.Secrets,
		fileState:  cfg.FileState,
		activity:   cfg.Activity,
		now:        cfg.Now,
		logger:     cfg.Logger,
		weekStart:  weekStart,
		apiTimeout: cfg.Settings.APITimeout(),
	}, nil
}

// runContext carries the state one run threads through its sections.
type runContext struct {
	workflow  *workflow.Workflow
	vaultRoot string
	runID     string
	refDate   time.Time
	weekStart time.Weekday
	buffers   *buffers.Store

	// created tracks output files this run has written, so a header is
	// added at most once per file.
	created map[string]bool
}

// stepOutcome reports how a section ended when it did not fail.
type stepOutcome struct {
	skipped bool
	reason  string
}

func skip(reason string) stepOutcome {
	return stepOutcome{skipped: true, reason: reason}
}

// Run executes one step workflow from the current snapshot. The signature
// is what the scheduler invokes on every trigger; manual runs come through
// the same path. Enabled gates scheduling only, so a disabled workflow
// still runs when asked directly.
func (e *Engine) Run(ctx context.Context, workflowID, runID string) error {
	w, ok := e.loader.Get(workflowID)
	if !ok {
		return fmt.Errorf("workflow not found: %s", workflowID)
	}
	if w.Engine != workflow.EngineStep {
		return fmt.Errorf("workflow %s uses the %q engine and cannot be run as a pipeline", workflowID, w.Engine)
	}

	start := time.Now()
	rc := &runContext{
		workflow:  w,
		vaultRoot: e.loader.VaultRoot(w.Vault),
		runID:     runID,
		refDate:   e.now(),
		weekStart: w.WeekStartOr(e.weekStart),
		buffers:   buffers.NewStore(),
		created:   make(map[string]bool),
	}

	e.emit(activity.Record{Event: activity.RunStarted, WorkflowID: w.GlobalID, RunID: runID})
	e.logger.Info("Workflow run started",
		zap.String("workflow_id", w.GlobalID),
		zap.String("run_id", runID),
		zap.Int("sections", len(w.Sections)))

	var completed, skipped, failed int
	var firstErr error
	for i := range w.Sections {
		if err := ctx.Err(); err != nil {
			e.emit(activity.Record{
				Event:      activity.RunFailed,
				WorkflowID: w.GlobalID,
				RunID:      runID,
				Detail:     err.Error(),
			})
			return fmt.Errorf("run cancelled after %d of %d sections: %w", i, len(w.Sections), err)
		}

		sec := &w.Sections[i]
		outcome, err := e.runStep(ctx, rc, sec)
		switch {
		case err != nil:
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("step %q: %w", sec.Name, err)
			}
			e.logger.Error("Step failed",
				zap.String("workflow_id", w.GlobalID),
				zap.String("run_id", runID),
				zap.String("step", sec.Name),
				zap.Error(err))
			e.emit(activity.Record{
				Event:      activity.StepFailed,
				WorkflowID: w.GlobalID,
				RunID:      runID,
				Step:       sec.Name,
				Outcome:    "failed",
				Detail:     err.Error(),
			})
		case outcome.skipped:
			skipped++
			e.logger.Info("Step skipped",
				zap.String("workflow_id", w.GlobalID),
				zap.String("run_id", runID),
				zap.String("step", sec.Name),
				zap.String("reason", outcome.reason))
			e.emit(activity.Record{
				Event:      activity.StepSkipped,
				WorkflowID: w.GlobalID,
				RunID:      runID,
				Step:       sec.Name,
				Outcome:    "skipped",
				Detail:     outcome.reason,
			})
		default:
			completed++
			e.emit(activity.Record{
				Event:      activity.StepCompleted,
				WorkflowID: w.GlobalID,
				RunID:      runID,
				Step:       sec.Name,
				Outcome:    "success",
			})
		}
	}

	if failed > 0 {
		detail := fmt.Sprintf("%d of %d steps failed", failed, len(w.Sections))
		e.emit(activity.Record{
			Event:      activity.RunFailed,
			WorkflowID: w.GlobalID,
			RunID:      runID,
			Detail:     detail,
		})
		e.logger.Error("Workflow run failed",
			zap.String("workflow_id", w.GlobalID),
			zap.String("run_id", runID),
			zap.Int("failed", failed),
			zap.Duration("duration", time.Since(start)))
		return fmt.Errorf("%s: %w", detail, firstErr)
	}

	e.emit(activity.Record{Event: activity.RunCompleted, WorkflowID: w.GlobalID, RunID: runID})
	e.logger.Info("Workflow run completed",
		zap.String("workflow_id", w.GlobalID),
		zap.String("run_id", runID),
		zap.Int("completed", completed),
		zap.Int("skipped", skipped),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (e *Engine) emit(r activity.Record) {
	if e.activity != nil {
		e.activity.Emit(r)
	}
}
