// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package activity records what the system did: every workflow run, step
// outcome, schedule change, and chat turn lands as one JSON line in
// {system}/activity.log and is published live on an SSE stream. The file is
// the durable history; the stream is a tail for connected UIs.
package activity

import (
	"bytes"
	"fmt"
	"net/http"
	"os"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Stream is the SSE stream name activity records are published on.
const Stream = "activity"

// Kind names one activity event.
type Kind string

const (
	RunStarted     Kind = "run_started"
	StepCompleted  Kind = "step_completed"
	StepSkipped    Kind = "step_skipped"
	StepFailed     Kind = "step_failed"
	RunCompleted   Kind = "run_completed"
	RunFailed      Kind = "run_failed"
	JobSynced      Kind = "job_synced"
	ChatTurn       Kind = "chat_turn"
	ContextSection Kind = "context_section"
)

// Record is one activity event. The timestamp is stamped at emit time by
// the encoder, so records carry none.
type Record struct {
	Event      Kind
	WorkflowID string
	RunID      string
	Step       string
	Action     string
	Outcome    string
	Detail     string
}

// Log appends records to an activity file and mirrors them to an SSE
// stream. Emit is safe for concurrent use; zap serializes the writes.
type Log struct {
	zl     *zap.Logger
	file   *os.File
	events *sse.Server
}

// NewLog opens (or creates) the activity file and starts the event stream.
func NewLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log %s: %w", path, err)
	}

	events := sse.New()
	// Live tail only: history is served from the file, not replayed.
	events.AutoReplay = false
	events.CreateStream(Stream)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "event"
	encoderConfig.LevelKey = zapcore.OmitKey
	encoderConfig.CallerKey = zapcore.OmitKey
	encoderConfig.StacktraceKey = zapcore.OmitKey

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(zapcore.AddSync(f), publisher{events}),
		zapcore.InfoLevel,
	)

	return &Log{zl: zap.New(core), file: f, events: events}, nil
}

// Emit writes one record. Field order is fixed so the log stays grep-able.
func (l *Log) Emit(r Record) {
	fields := make([]zap.Field, 0, 6)
	if r.WorkflowID != "" {
		fields = append(fields, zap.String("workflow_id", r.WorkflowID))
	}
	if r.RunID != "" {
		fields = append(fields, zap.String("run_id", r.RunID))
	}
	if r.Step != "" {
		fields = append(fields, zap.String("step", r.Step))
	}
	if r.Action != "" {
		fields = append(fields, zap.String("action", r.Action))
	}
	if r.Outcome != "" {
		fields = append(fields, zap.String("outcome", r.Outcome))
	}
	if r.Detail != "" {
		fields = append(fields, zap.String("detail", r.Detail))
	}
	l.zl.Info(string(r.Event), fields...)
}

// Handler serves the SSE stream. Mount it wherever the HTTP layer wants;
// clients subscribe with ?stream=activity.
func (l *Log) Handler() http.Handler {
	return l.events
}

// Close flushes the file and disconnects all stream subscribers.
func (l *Log) Close() error {
	syncErr := l.zl.Sync()
	l.events.Close()
	if err := l.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// publisher forwards every encoded log line to the SSE stream. zap hands
// Write one complete line per record and reuses the buffer afterwards, so
// the bytes are copied before publishing. A full stream buffer drops the
// live copy rather than stalling the logger; the file still has the record.
type publisher struct {
	events *sse.Server
}

func (p publisher) Write(b []byte) (int, error) {
	data := append([]byte(nil), bytes.TrimRight(b, "\n")...)
	p.events.TryPublish(Stream, &sse.Event{Data: data})
	return len(b), nil
}

func (p publisher) Sync() error { return nil }
