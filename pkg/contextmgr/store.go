// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package contextmgr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/assistantmd/assistantmd/internal/sqlitedriver" // registers "sqlite3" driver
)

// SummaryRecord is one persisted manager output: what went in, what the
// model produced, and enough identity to audit a chat turn later.
type SummaryRecord struct {
	ID             int64
	SessionID      string
	SectionIndex   int
	SectionName    string
	TemplateHash   string
	ModelAlias     string
	InputPayload   string
	RenderedPrompt string
	RawOutput      string
	CreatedAt      time.Time
}

// SummaryStore persists context summaries to sqlite and owns the shared
// database handle the cache piggybacks on.
type SummaryStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSummaryStore opens (or creates) the summary database.
func NewSummaryStore(ctx context.Context, dbPath string, logger *zap.Logger) (*SummaryStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SummaryStore{db: db, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SummaryStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS context_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		section_index INTEGER NOT NULL,
		section_name TEXT NOT NULL,
		template_hash TEXT NOT NULL,
		model_alias TEXT NOT NULL,
		input_payload TEXT NOT NULL,
		rendered_prompt TEXT NOT NULL,
		raw_output TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_session
		ON context_summaries(session_id, section_name, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// DB exposes the handle so the cache can share one database file.
func (s *SummaryStore) DB() *sql.DB { return s.db }

// Save appends one summary record.
func (s *SummaryStore) Save(ctx context.Context, r *SummaryRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO context_summaries
			(session_id, section_index, section_name, template_hash,
			 model_alias, input_payload, rendered_prompt, raw_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.SectionIndex, r.SectionName, r.TemplateHash,
		r.ModelAlias, r.InputPayload, r.RenderedPrompt, r.RawOutput,
		r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// Recent returns the newest summaries for a session section, oldest first
// so they read chronologically when rendered into a prompt.
func (s *SummaryStore) Recent(ctx context.Context, sessionID, sectionName string, limit int) ([]*SummaryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, section_index, section_name, template_hash,
		       model_alias, input_payload, rendered_prompt, raw_output, created_at
		FROM context_summaries
		WHERE session_id = ? AND section_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, sectionName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var records []*SummaryRecord
	for rows.Next() {
		var r SummaryRecord
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SectionIndex, &r.SectionName,
			&r.TemplateHash, &r.ModelAlias, &r.InputPayload, &r.RenderedPrompt,
			&r.RawOutput, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summaries: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close closes the database.
func (s *SummaryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
