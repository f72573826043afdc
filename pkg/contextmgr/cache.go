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

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const cacheMaxEntries = 256

// CacheKey identifies one context step's cached summary. The template hash
// is part of the key, so any template edit misses immediately.
type CacheKey struct {
	Vault        string
	TemplatePath string
	SectionIndex int
	SectionName  string
	TemplateHash string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%s|%d:%s|%s",
		k.Vault, k.TemplatePath, k.SectionIndex, k.SectionName, k.TemplateHash)
}

// CacheEntry is one cached summary with its expiry.
type CacheEntry struct {
	Summary string

	// ExpiresAt zero means session scope: valid until process restart.
	ExpiresAt time.Time
}

func (e CacheEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache stores compiled summaries: an in-memory LRU in front of a sqlite
// TTL table. The memory tier serves the common path; the sqlite tier keeps
// daily and weekly scopes across restarts. Session-scope entries stay in
// memory only.
type Cache struct {
	mem    *lru.Cache[string, CacheEntry]
	db     *sql.DB
	logger *zap.Logger
}

// NewCache builds the cache over an open database handle. The handle is
// shared with the summary store; the cache does not close it.
func NewCache(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mem, err := lru.New[string, CacheEntry](cacheMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS context_cache (
		cache_key TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Cache{mem: mem, db: db, logger: logger}, nil
}

// Get returns an unexpired cached summary, if one exists.
func (c *Cache) Get(ctx context.Context, key CacheKey) (CacheEntry, bool) {
	now := time.Now()
	k := key.String()

	if entry, ok := c.mem.Get(k); ok {
		if !entry.expired(now) {
			return entry, true
		}
		c.mem.Remove(k)
	}

	var summary string
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT summary, expires_at FROM context_cache WHERE cache_key = ? AND expires_at > ?`,
		k, now.Unix()).Scan(&summary, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		return CacheEntry{}, false
	case err != nil:
		c.logger.Warn("Context cache read failed", zap.Error(err))
		return CacheEntry{}, false
	}

	entry := CacheEntry{Summary: summary, ExpiresAt: time.Unix(expiresAt, 0)}
	c.mem.Add(k, entry)
	return entry, true
}

// Put stores a summary. Session-scope entries (zero expiry) live in the
// memory tier only; everything else also lands in sqlite so the TTL
// survives restarts.
func (c *Cache) Put(ctx context.Context, key CacheKey, entry CacheEntry) {
	k := key.String()
	c.mem.Add(k, entry)

	if entry.ExpiresAt.IsZero() {
		return
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO context_cache (cache_key, summary, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			summary = excluded.summary,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, k, entry.Summary, entry.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		c.logger.Warn("Context cache write failed", zap.Error(err))
	}
}

// Prune drops expired rows. Called opportunistically by the manager; a
// failure is logged and ignored.
func (c *Cache) Prune(ctx context.Context) {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM context_cache WHERE expires_at <= ?`, time.Now().Unix()); err != nil {
		c.logger.Warn("Context cache prune failed", zap.Error(err))
	}
}
