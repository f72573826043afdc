// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Invalid   []InvalidWorkflow
}

// InvalidWorkflow is a scheduled workflow whose schedule did not validate.
type InvalidWorkflow struct {
	WorkflowID string
	Schedule   string
	Reason     string
}

// Synchronize reconciles persisted jobs against the current workflow
// snapshot. Workflows that are enabled, scheduled, and step-engine get a
// job; everything else loses theirs. A job whose trigger is unchanged
// keeps its next fire time and cron entry, so rescans triggered by
// unrelated edits never reset pending schedules.
func (s *Scheduler) Synchronize(ctx context.Context, snap *workflow.Snapshot) (*SyncResult, error) {
	now := time.Now()
	result := &SyncResult{}

	desired := make(map[string]*workflow.Workflow)
	triggers := make(map[string]*Trigger)
	for _, w := range snap.Workflows {
		if !w.Enabled || !w.Scheduled() || w.Engine != workflow.EngineStep {
			continue
		}
		trig, err := PrepareTrigger(w.Schedule, s.loc, now)
		if err != nil {
			result.Invalid = append(result.Invalid, InvalidWorkflow{
				WorkflowID: w.GlobalID,
				Schedule:   w.Schedule,
				Reason:     err.Error(),
			})
			s.logger.Warn("Workflow has invalid schedule",
				zap.String("workflow_id", w.GlobalID),
				zap.String("schedule", w.Schedule),
				zap.Error(err))
			continue
		}
		desired[w.GlobalID] = w
		triggers[w.GlobalID] = trig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot workflows arrive sorted by global id, so adds and updates
	// apply in deterministic order.
	for _, w := range snap.Workflows {
		id := w.GlobalID
		trig, wanted := triggers[id]
		if !wanted {
			continue
		}

		existing, exists := s.jobs[id]
		if !exists {
			job := &Job{
				JobID:         id,
				TriggerString: trig.String(),
				SourceHash:    w.SourceHash,
				Enabled:       true,
				Timezone:      s.loc.String(),
				NextRunAt:     trig.Next(now),
				Args:          map[string]string{"workflow_id": id},
			}
			if err := s.store.Create(ctx, job); err != nil {
				return nil, fmt.Errorf("failed to create job for %s: %w", id, err)
			}
			s.jobs[id] = job
			s.triggers[id] = trig
			s.registerEntryLocked(id, trig)
			result.Added++
			s.notify("added", id)
			continue
		}

		triggerChanged := existing.TriggerString != trig.String()
		if !triggerChanged && existing.SourceHash == w.SourceHash {
			result.Unchanged++
			continue
		}

		updated := *existing
		updated.TriggerString = trig.String()
		updated.SourceHash = w.SourceHash
		updated.Timezone = s.loc.String()
		if triggerChanged {
			updated.NextRunAt = trig.Next(now)
		}
		if err := s.store.Update(ctx, &updated); err != nil {
			return nil, fmt.Errorf("failed to update job for %s: %w", id, err)
		}
		s.jobs[id] = &updated
		if triggerChanged {
			s.removeEntryLocked(id)
			s.triggers[id] = trig
			s.registerEntryLocked(id, trig)
		}
		result.Updated++
		s.notify("updated", id)
	}

	var stale []string
	for id := range s.jobs {
		if _, wanted := desired[id]; !wanted {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)

	for _, id := range stale {
		if err := s.store.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to delete job for %s: %w", id, err)
		}
		s.removeEntryLocked(id)
		delete(s.jobs, id)
		delete(s.triggers, id)
		result.Removed++
		s.notify("removed", id)
	}

	s.logger.Info("Synchronized schedules",
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("invalid", len(result.Invalid)))
	return result, nil
}

func (s *Scheduler) notify(action, workflowID string) {
	if s.onJobSynced != nil {
		s.onJobSynced(action, workflowID)
	}
}
