// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package filestate tracks which vault files a {pending} input has already
// consumed. State is keyed by workflow global ID and pattern literal, so
// two workflows watching the same directory, or two patterns within one
// workflow, advance independently.
package filestate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/assistantmd/assistantmd/internal/sqlitedriver" // registers "sqlite3" driver
)

// ConsumedFile identifies one file consumed by a run, with the content hash
// captured at input resolution time.
type ConsumedFile struct {
	RelPath  string
	SHA256   string
	MarkedAt time.Time
}

// Store persists file consumption state to SQLite.
// Uses WAL mode for concurrent read/write access.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewStore creates a file-state store with SQLite backend.
// The dbPath should point into the system root, e.g. {system}/filestate.db.
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
	CREATE TABLE IF NOT EXISTS processed_files (
		workflow_id TEXT NOT NULL,
		pattern TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		marked_at INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, pattern, rel_path)
	);

	CREATE INDEX IF NOT EXISTS idx_processed_hash ON processed_files(workflow_id, pattern, sha256);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// IsProcessed reports whether a candidate file has already been consumed by
// the given workflow pattern. A file counts as processed when either
//
//   - its current content hash was recorded under this pattern (covers
//     renames of untouched files), or
//   - its path was recorded and it has not been modified since the marking
//     (covers the run writing back into a file it consumed).
func (s *Store) IsProcessed(ctx context.Context, workflowID, pattern, relPath, sha256 string, mtime time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_files WHERE workflow_id = ? AND pattern = ? AND sha256 = ?`,
		workflowID, pattern, sha256).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query processed hash: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_files WHERE workflow_id = ? AND pattern = ? AND rel_path = ? AND marked_at >= ?`,
		workflowID, pattern, relPath, mtime.Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query processed path: %w", err)
	}
	return n > 0, nil
}

// RecordConsumed marks the given files as consumed under a workflow
// pattern. The batch commits atomically: either a step's whole intake is
// recorded or none of it is.
func (s *Store) RecordConsumed(ctx context.Context, workflowID, pattern string, files []ConsumedFile) error {
	if len(files) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processed_files (workflow_id, pattern, rel_path, sha256, marked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, pattern, rel_path) DO UPDATE SET
			sha256 = excluded.sha256,
			marked_at = excluded.marked_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, workflowID, pattern, f.RelPath, f.SHA256, f.MarkedAt.Unix()); err != nil {
			return fmt.Errorf("failed to record %s: %w", f.RelPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug("Recorded consumed files",
		zap.String("workflow_id", workflowID),
		zap.String("pattern", pattern),
		zap.Int("count", len(files)))

	return nil
}

// ConsumedCount returns how many files are marked consumed for a workflow
// across all of its patterns.
func (s *Store) ConsumedCount(ctx context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_files WHERE workflow_id = ?`,
		workflowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count consumed files: %w", err)
	}
	return n, nil
}

// PruneWorkflow drops all consumption state for a workflow. Called when a
// workflow file disappears from its vault; the next appearance of the same
// global ID starts from a clean slate.
func (s *Store) PruneWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_files WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to prune workflow state: %w", err)
	}
	return nil
}

// ForPattern adapts the store to one workflow pattern's view, the shape
// the pattern resolver wants.
func (s *Store) ForPattern(ctx context.Context, workflowID, pattern string) *PatternView {
	return &PatternView{ctx: ctx, store: s, workflowID: workflowID, pattern: pattern}
}

// PatternView is a single-pattern adapter over the store.
type PatternView struct {
	ctx        context.Context
	store      *Store
	workflowID string
	pattern    string
}

// IsProcessed implements patterns.PendingState.
func (v *PatternView) IsProcessed(relPath, sha256 string, mtime time.Time) (bool, error) {
	return v.store.IsProcessed(v.ctx, v.workflowID, v.pattern, relPath, sha256, mtime)
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
