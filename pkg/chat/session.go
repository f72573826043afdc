// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package chat runs interactive sessions: it assembles instructions,
// reshapes history through the context manager, invokes the chat model,
// and persists a markdown transcript per session.
package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/types"
)

// SessionsDirName is the vault-relative transcript directory. The leading
// underscore keeps it out of vault workflow scans.
const SessionsDirName = "AssistantMD/_chat-sessions"

// Session is one chat conversation. Safe for concurrent use; the HTTP
// layer may serve overlapping requests for one session.
type Session struct {
	ID           string
	Vault        string
	ModelAlias   string
	TemplateName string
	CreatedAt    time.Time

	mu       sync.Mutex
	messages []types.Message
}

// Messages returns a copy of the session's message history.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

// Append adds messages to the history.
func (s *Session) Append(msgs ...types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Len returns the message count.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SessionStore keeps sessions in memory and lazily reloads them from
// their persisted transcripts, so a restarted server can continue an old
// conversation.
type SessionStore struct {
	dataRoot string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates a session store over the data root.
func NewSessionStore(dataRoot string, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		dataRoot: dataRoot,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// TranscriptPath returns where a session's markdown transcript lives.
func (st *SessionStore) TranscriptPath(vault, sessionID string) string {
	return filepath.Join(st.dataRoot, vault, filepath.FromSlash(SessionsDirName), sessionID+".md")
}

// Create starts a new session with a fresh id.
func (st *SessionStore) Create(vault, modelAlias, templateName string) *Session {
	s := &Session{
		ID:           uuid.New().String(),
		Vault:        vault,
		ModelAlias:   modelAlias,
		TemplateName: templateName,
		CreatedAt:    time.Now(),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.logger.Info("Chat session created",
		zap.String("session_id", s.ID),
		zap.String("vault", vault),
		zap.String("model", modelAlias))
	return s
}

// Get returns a session by id, reloading it from its transcript when the
// process has not seen it yet. Reloads restore the user/assistant
// dialogue; tool traffic stays in the transcript as a human-readable
// record only.
func (st *SessionStore) Get(vault, sessionID string) (*Session, error) {
	st.mu.Lock()
	if s, ok := st.sessions[sessionID]; ok {
		st.mu.Unlock()
		return s, nil
	}
	st.mu.Unlock()

	path := st.TranscriptPath(vault, sessionID)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s not found in vault %s", sessionID, vault)
		}
		return nil, fmt.Errorf("failed to read transcript %s: %w", path, err)
	}

	s, err := ParseTranscript(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transcript %s: %w", path, err)
	}
	s.ID = sessionID
	s.Vault = vault

	st.mu.Lock()
	// Another request may have won the reload race; keep the first.
	if existing, ok := st.sessions[sessionID]; ok {
		st.mu.Unlock()
		return existing, nil
	}
	st.sessions[sessionID] = s
	st.mu.Unlock()

	st.logger.Info("Chat session reloaded from transcript",
		zap.String("session_id", sessionID),
		zap.String("vault", vault),
		zap.Int("messages", s.Len()))
	return s, nil
}

// GetOrCreate resolves a request's session: an empty id starts a new
// session, a known id continues it.
func (st *SessionStore) GetOrCreate(vault, sessionID, modelAlias, templateName string) (*Session, error) {
	if sessionID == "" {
		return st.Create(vault, modelAlias, templateName), nil
	}
	return st.Get(vault, sessionID)
}
