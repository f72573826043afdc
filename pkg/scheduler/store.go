// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/assistantmd/assistantmd/internal/sqlitedriver" // registers "sqlite3" driver
)

// Job is one scheduled workflow as persisted in the job table. JobID is
// the workflow global id.
type Job struct {
	JobID         string
	TriggerString string
	SourceHash    string
	Enabled       bool
	Timezone      string
	NextRunAt     time.Time
	LastRunAt     time.Time
	Stats         JobStats
	Args          map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobStats aggregates run outcomes for one job.
type JobStats struct {
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	SkippedRuns    int
	LastStatus     string
	LastError      string
}

// Execution is one run record in a job's history.
type Execution struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string
	Error       string
	DurationMs  int64
}

// Store persists scheduled jobs and execution history to SQLite.
// Uses WAL mode for concurrent read/write access.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewStore creates a scheduler store with SQLite backend. The dbPath
// should point into the system root, e.g. {system}/scheduler.db.
func NewStore(ctx context.Context, dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		job_id TEXT PRIMARY KEY,
		trigger_string TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		timezone TEXT NOT NULL DEFAULT '',
		next_run_at INTEGER DEFAULT 0,
		last_run_at INTEGER DEFAULT 0,
		total_runs INTEGER DEFAULT 0,
		successful_runs INTEGER DEFAULT 0,
		failed_runs INTEGER DEFAULT 0,
		skipped_runs INTEGER DEFAULT 0,
		last_status TEXT,
		last_error TEXT,
		args_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON scheduled_jobs(next_run_at);

	CREATE TABLE IF NOT EXISTS job_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES scheduled_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_job ON job_executions(job_id);
	CREATE INDEX IF NOT EXISTS idx_executions_started ON job_executions(started_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `job_id, trigger_string, source_hash, enabled, timezone,
	       next_run_at, last_run_at,
	       total_runs, successful_runs, failed_runs, skipped_runs,
	       last_status, last_error, args_json, created_at, updated_at`

// Create persists a new job.
func (s *Store) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argsJSON, err := marshalArgs(job.Args)
	if err != nil {
		return err
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	query := `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.JobID,
		job.TriggerString,
		job.SourceHash,
		job.Enabled,
		job.Timezone,
		unixOrZero(job.NextRunAt),
		unixOrZero(job.LastRunAt),
		job.Stats.TotalRuns,
		job.Stats.SuccessfulRuns,
		job.Stats.FailedRuns,
		job.Stats.SkippedRuns,
		job.Stats.LastStatus,
		job.Stats.LastError,
		argsJSON,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// Update rewrites an existing job row.
func (s *Store) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argsJSON, err := marshalArgs(job.Args)
	if err != nil {
		return err
	}

	query := `
		UPDATE scheduled_jobs
		SET trigger_string = ?, source_hash = ?, enabled = ?, timezone = ?,
		    next_run_at = ?, last_run_at = ?,
		    total_runs = ?, successful_runs = ?, failed_runs = ?, skipped_runs = ?,
		    last_status = ?, last_error = ?, args_json = ?, updated_at = ?
		WHERE job_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		job.TriggerString,
		job.SourceHash,
		job.Enabled,
		job.Timezone,
		unixOrZero(job.NextRunAt),
		unixOrZero(job.LastRunAt),
		job.Stats.TotalRuns,
		job.Stats.SuccessfulRuns,
		job.Stats.FailedRuns,
		job.Stats.SkippedRuns,
		job.Stats.LastStatus,
		job.Stats.LastError,
		argsJSON,
		time.Now().Unix(),
		job.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job not found: %s", job.JobID)
	}
	return nil
}

// Delete removes a job and its execution history. History is deleted
// explicitly; SQLite only honors the declared cascade when foreign key
// enforcement is switched on, which neither driver does by default.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_executions WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete job history: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// List returns all jobs ordered by id.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// UpdateNextRun sets the next fire time. The zero time stores as 0,
// meaning the trigger is exhausted.
func (s *Store) UpdateNextRun(ctx context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ? WHERE job_id = ?`,
		unixOrZero(at), time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update next run: %w", err)
	}
	return nil
}

// RecordSuccess increments the success counters and clears the last error.
func (s *Store) RecordSuccess(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE scheduled_jobs
		SET total_runs = total_runs + 1,
		    successful_runs = successful_runs + 1,
		    last_run_at = ?,
		    last_status = 'success',
		    last_error = '',
		    updated_at = ?
		WHERE job_id = ?
	`

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, query, now, now, jobID); err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counters and stores the error.
func (s *Store) RecordFailure(ctx context.Context, jobID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE scheduled_jobs
		SET total_runs = total_runs + 1,
		    failed_runs = failed_runs + 1,
		    last_run_at = ?,
		    last_status = 'failed',
		    last_error = ?,
		    updated_at = ?
		WHERE job_id = ?
	`

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, query, now, errorMsg, now, jobID); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// IncrementSkipped counts a fire that found its workflow still running.
func (s *Store) IncrementSkipped(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE scheduled_jobs
		SET skipped_runs = skipped_runs + 1,
		    last_status = 'skipped',
		    updated_at = ?
		WHERE job_id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), jobID); err != nil {
		return fmt.Errorf("failed to increment skipped: %w", err)
	}
	return nil
}

// RecordExecution appends a run record to the job history.
func (s *Store) RecordExecution(ctx context.Context, jobID string, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO job_executions (job_id, run_id, started_at, completed_at, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		jobID,
		exec.RunID,
		unixOrZero(exec.StartedAt),
		unixOrZero(exec.CompletedAt),
		exec.Status,
		exec.Error,
		exec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// History retrieves the most recent run records for a job, newest first.
func (s *Store) History(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT run_id, started_at, completed_at, status, error, duration_ms
		FROM job_executions
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	// Empty slice, not nil, so the API layer serializes [].
	executions := make([]*Execution, 0)

	for rows.Next() {
		var (
			exec        Execution
			startedAt   int64
			completedAt int64
			errorMsg    sql.NullString
		)
		err := rows.Scan(&exec.RunID, &startedAt, &completedAt, &exec.Status, &errorMsg, &exec.DurationMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.StartedAt = timeFromUnix(startedAt)
		exec.CompletedAt = timeFromUnix(completedAt)
		if errorMsg.Valid {
			exec.Error = errorMsg.String
		}
		executions = append(executions, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		nextRun    int64
		lastRun    int64
		createdAt  int64
		updatedAt  int64
		lastStatus sql.NullString
		lastError  sql.NullString
		argsJSON   string
	)

	err := row.Scan(
		&job.JobID,
		&job.TriggerString,
		&job.SourceHash,
		&job.Enabled,
		&job.Timezone,
		&nextRun,
		&lastRun,
		&job.Stats.TotalRuns,
		&job.Stats.SuccessfulRuns,
		&job.Stats.FailedRuns,
		&job.Stats.SkippedRuns,
		&lastStatus,
		&lastError,
		&argsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.NextRunAt = timeFromUnix(nextRun)
	job.LastRunAt = timeFromUnix(lastRun)
	job.CreatedAt = timeFromUnix(createdAt)
	job.UpdatedAt = timeFromUnix(updatedAt)
	if lastStatus.Valid {
		job.Stats.LastStatus = lastStatus.String
	}
	if lastError.Valid {
		job.Stats.LastError = lastError.String
	}
	if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args for %s: %w", job.JobID, err)
	}
	return &job, nil
}

func marshalArgs(args map[string]string) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal args: %w", err)
	}
	return string(data), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
