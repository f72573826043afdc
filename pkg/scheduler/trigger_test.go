// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareTrigger_Cron(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("cron: 0 9 * * *", time.UTC, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerCron, trig.Kind())
	assert.Equal(t, "cron: 0 9 * * *", trig.String())

	// 09:00 already passed today, so the next fire is tomorrow.
	next := trig.Next(now)
	assert.True(t, next.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))
}

func TestPrepareTrigger_CronNormalizesWhitespace(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("  cron:   0  9\t* * 1-5 ", time.UTC, now)
	require.NoError(t, err)
	assert.Equal(t, "cron: 0 9 * * 1-5", trig.String())
}

func TestPrepareTrigger_CronDescriptor(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("cron: @daily", time.UTC, now)
	require.NoError(t, err)
	assert.True(t, trig.Next(now).Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)))
}

func TestPrepareTrigger_CronHonorsTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("cron: 0 9 * * *", ny, now)
	require.NoError(t, err)

	// 09:00 New York is 13:00 UTC during DST, still ahead of now.
	next := trig.Next(now)
	assert.True(t, next.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, ny)))

	// The timezone binds the evaluation, not the normalized text, so a
	// changed scheduler timezone never reads as a workflow edit.
	assert.Equal(t, "cron: 0 9 * * *", trig.String())
	assert.NotContains(t, trig.String(), "CRON_TZ")
}

func TestPrepareTrigger_CronInvalid(t *testing.T) {
	now := time.Now()

	for _, spec := range []string{"cron:", "cron: not a cron", "cron: 0 9 * *", "cron: 99 9 * * *"} {
		_, err := PrepareTrigger(spec, time.UTC, now)
		require.Error(t, err, "spec %q", spec)

		var trigErr *TriggerError
		require.ErrorAs(t, err, &trigErr)
		assert.Equal(t, spec, trigErr.Spec)
		assert.NotEmpty(t, trigErr.Reason)
	}
}

func TestPrepareTrigger_Once(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("once:  2026-12-31 23:30", time.UTC, now)
	require.NoError(t, err)
	assert.Equal(t, TriggerOnce, trig.Kind())
	assert.Equal(t, "once: 2026-12-31 23:30", trig.String())

	at := time.Date(2026, 12, 31, 23, 30, 0, 0, time.UTC)
	assert.True(t, trig.Next(now).Equal(at))

	// Exhausted after the fire time passes.
	assert.True(t, trig.Next(at).IsZero())
	assert.True(t, trig.Next(at.Add(time.Minute)).IsZero())
}

func TestPrepareTrigger_OnceRFC3339(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("once: 2026-06-01T08:00:00+02:00", time.UTC, now)
	require.NoError(t, err)

	// RFC3339 carries its own offset; the scheduler timezone is ignored.
	assert.True(t, trig.Next(now).Equal(time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)))
}

func TestPrepareTrigger_OnceInTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trig, err := PrepareTrigger("once: 2026-07-04 09:00", ny, now)
	require.NoError(t, err)
	assert.True(t, trig.Next(now).Equal(time.Date(2026, 7, 4, 9, 0, 0, 0, ny)))
}

func TestPrepareTrigger_OncePastRejected(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := PrepareTrigger("once: 2020-01-01 09:00", time.UTC, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in the past")

	// Exactly now counts as past too.
	_, err = PrepareTrigger("once: 2026-03-10 12:00", time.UTC, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in the past")
}

func TestPrepareTrigger_OnceRelativeRejected(t *testing.T) {
	now := time.Now()

	for _, spec := range []string{"once: tomorrow", "once: in 2 hours", "once: next monday 9am", "once:"} {
		_, err := PrepareTrigger(spec, time.UTC, now)
		require.Error(t, err, "spec %q", spec)
		assert.Contains(t, err.Error(), "not an absolute datetime")
	}
}

func TestPrepareTrigger_UnrecognizedForm(t *testing.T) {
	_, err := PrepareTrigger("every day at 9", time.UTC, time.Now())
	require.Error(t, err)

	var trigErr *TriggerError
	require.ErrorAs(t, err, &trigErr)
	assert.Contains(t, trigErr.Reason, "unrecognized form")
}

func TestPrepareStoredTrigger_AllowsPastOnce(t *testing.T) {
	// A once: trigger whose time passed while the process was down must
	// still load; it just never fires again.
	trig, err := prepareStoredTrigger("once: 2020-01-01 09:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, trig.Next(time.Now()).IsZero())
}

func TestTriggerError_Message(t *testing.T) {
	err := &TriggerError{Spec: "cron: bad", Reason: "boom"}
	assert.Equal(t, `invalid schedule "cron: bad": boom`, err.Error())
	assert.True(t, errors.As(error(err), new(*TriggerError)))
}
