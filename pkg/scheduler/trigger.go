// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package scheduler keeps vault workflow schedules running. It persists
// jobs to SQLite, reconciles them against the loaded workflow set, and
// dispatches runs through a cron engine with at-most-one concurrent run
// per workflow.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerError reports a schedule line that cannot be prepared. The
// workflow stays loaded and visible in status but gets no job.
type TriggerError struct {
	Spec   string
	Reason string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Spec, e.Reason)
}

// Trigger kinds.
const (
	TriggerCron = "cron"
	TriggerOnce = "once"
)

// onceLayouts are the accepted datetime forms for once: triggers. The
// first is interpreted in the scheduler timezone, RFC3339 carries its own
// offset.
var onceLayouts = []string{"2006-01-02 15:04", time.RFC3339}

// Trigger is a prepared schedule: either a recurring cron expression or a
// single future fire time.
type Trigger struct {
	kind     string
	spec     string // normalized; sync compares triggers by this form
	schedule cron.Schedule
	at       time.Time // once triggers only
}

// PrepareTrigger parses a workflow schedule line. Two forms are accepted:
//
//	cron: <standard 5-field expression>
//	once: <absolute datetime>
//
// A once: datetime in the past is rejected, and so is anything that does
// not parse as an absolute datetime — no "tomorrow", no "in 2 hours".
func PrepareTrigger(spec string, loc *time.Location, now time.Time) (*Trigger, error) {
	return prepareTrigger(spec, loc, now, false)
}

// prepareStoredTrigger parses a trigger string read back from the job
// store. Past once: datetimes are allowed here; they produce a trigger
// that never fires again instead of a load failure.
func prepareStoredTrigger(spec string, loc *time.Location) (*Trigger, error) {
	return prepareTrigger(spec, loc, time.Time{}, true)
}

func prepareTrigger(spec string, loc *time.Location, now time.Time, allowPast bool) (*Trigger, error) {
	if loc == nil {
		loc = time.Local
	}

	trimmed := strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(trimmed, "cron:"):
		expr := strings.Join(strings.Fields(strings.TrimPrefix(trimmed, "cron:")), " ")
		if expr == "" {
			return nil, &TriggerError{Spec: spec, Reason: "empty cron expression"}
		}
		// CRON_TZ binds the expression to the scheduler timezone; the
		// normalized spec stays free of it so timezone changes do not look
		// like workflow edits.
		schedule, err := cron.ParseStandard("CRON_TZ=" + loc.String() + " " + expr)
		if err != nil {
			return nil, &TriggerError{Spec: spec, Reason: err.Error()}
		}
		return &Trigger{kind: TriggerCron, spec: "cron: " + expr, schedule: schedule}, nil

	case strings.HasPrefix(trimmed, "once:"):
		raw := strings.TrimSpace(strings.TrimPrefix(trimmed, "once:"))
		at, ok := parseOnce(raw, loc)
		if !ok {
			return nil, &TriggerError{Spec: spec, Reason: "not an absolute datetime (want 2006-01-02 15:04 or RFC3339)"}
		}
		if !allowPast && !at.After(now) {
			return nil, &TriggerError{Spec: spec, Reason: fmt.Sprintf("datetime %s is in the past", at.Format(time.RFC3339))}
		}
		return &Trigger{kind: TriggerOnce, spec: "once: " + raw, at: at, schedule: onceSchedule{at: at}}, nil

	default:
		return nil, &TriggerError{Spec: spec, Reason: "unrecognized form (want cron: or once:)"}
	}
}

func parseOnce(raw string, loc *time.Location) (time.Time, bool) {
	for _, layout := range onceLayouts {
		var (
			at  time.Time
			err error
		)
		if layout == time.RFC3339 {
			at, err = time.Parse(layout, raw)
		} else {
			at, err = time.ParseInLocation(layout, raw, loc)
		}
		if err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// Kind returns TriggerCron or TriggerOnce.
func (t *Trigger) Kind() string { return t.kind }

// String returns the normalized trigger text, the form sync uses to
// decide whether a schedule changed.
func (t *Trigger) String() string { return t.spec }

// Next returns the first fire time after the given instant, or the zero
// time for an exhausted once: trigger.
func (t *Trigger) Next(after time.Time) time.Time {
	if t.kind == TriggerOnce {
		if t.at.After(after) {
			return t.at
		}
		return time.Time{}
	}
	return t.schedule.Next(after)
}

// Schedule adapts the trigger to the cron engine.
func (t *Trigger) Schedule() cron.Schedule { return t.schedule }

// onceSchedule fires exactly once. After the fire time passes Next
// returns the zero time, which the cron engine treats as "never again".
type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if o.at.After(t) {
		return o.at
	}
	return time.Time{}
}
