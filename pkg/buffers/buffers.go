// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package buffers provides the named in-memory buffers that carry text
// between the steps of a single workflow run. Buffers never touch disk and
// die with the run.
package buffers

import (
	"sort"
	"sync"
)

// Store holds the named buffers of one run.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]string
}

// NewStore creates an empty buffer store.
func NewStore() *Store {
	return &Store{buffers: make(map[string]string)}
}

// Append adds text to the named buffer, joining with a single newline when
// both the existing content and the addition are non-empty.
func (s *Store) Append(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.buffers[name]
	if existing != "" && text != "" {
		s.buffers[name] = existing + "\n" + text
		return
	}
	s.buffers[name] = existing + text
}

// Set replaces the named buffer's content.
func (s *Store) Set(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[name] = text
}

// Get returns the named buffer's content. The second return reports whether
// the buffer has ever been written.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.buffers[name]
	return text, ok
}

// Names returns the written buffer names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.buffers))
	for name := range s.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes one buffer.
func (s *Store) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, name)
}

// Reset removes all buffers.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]string)
}
