// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package activity_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assistantmd/assistantmd/pkg/activity"
)

func TestLog_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	log, err := activity.NewLog(path)
	require.NoError(t, err)

	log.Emit(activity.Record{
		Event:      activity.RunStarted,
		WorkflowID: "notes/Workflows/daily",
		RunID:      "run-1",
	})
	log.Emit(activity.Record{
		Event:      activity.StepFailed,
		WorkflowID: "notes/Workflows/daily",
		RunID:      "run-1",
		Step:       "Summarize",
		Outcome:    "failed",
		Detail:     "model alias unavailable",
	})
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "run_started", first["event"])
	assert.Equal(t, "notes/Workflows/daily", first["workflow_id"])
	assert.Equal(t, "run-1", first["run_id"])
	assert.Contains(t, first, "ts")
	assert.NotContains(t, first, "step", "unset fields must not appear")
	assert.NotContains(t, first, "detail")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "step_failed", second["event"])
	assert.Equal(t, "Summarize", second["step"])
	assert.Equal(t, "failed", second["outcome"])
	assert.Equal(t, "model alias unavailable", second["detail"])
}

func TestLog_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")

	log, err := activity.NewLog(path)
	require.NoError(t, err)
	log.Emit(activity.Record{Event: activity.RunStarted, RunID: "run-1"})
	require.NoError(t, log.Close())

	log, err = activity.NewLog(path)
	require.NoError(t, err)
	log.Emit(activity.Record{Event: activity.RunCompleted, RunID: "run-1"})
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2, "a restart must not truncate history")
}

func TestLog_StreamsRecords(t *testing.T) {
	log, err := activity.NewLog(filepath.Join(t.TempDir(), "activity.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	srv := httptest.NewServer(log.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []byte, 16)
	client := sse.NewClient(srv.URL)
	go func() {
		_ = client.SubscribeWithContext(ctx, activity.Stream, func(msg *sse.Event) {
			received <- append([]byte(nil), msg.Data...)
		})
	}()

	// The subscriber connects asynchronously and dropped events are not
	// replayed, so emit until one comes back.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var got []byte
waiting:
	for {
		select {
		case got = <-received:
			break waiting
		case <-ticker.C:
			log.Emit(activity.Record{
				Event:      activity.JobSynced,
				WorkflowID: "notes/Workflows/daily",
				Action:     "added",
			})
		case <-ctx.Done():
			t.Fatal("no event received before timeout")
		}
	}

	var rec map[string]any
	require.NoError(t, json.Unmarshal(got, &rec))
	assert.Equal(t, "job_synced", rec["event"])
	assert.Equal(t, "notes/Workflows/daily", rec["workflow_id"])
	assert.Equal(t, "added", rec["action"])
	assert.Contains(t, rec, "ts", "stream records carry the same shape as the file")
}
