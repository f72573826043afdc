// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// SecretsFileName is the secrets file name under the system root.
const SecretsFileName = "secrets.yaml"

// Secrets is the flat name→value mapping loaded from system/secrets.yaml.
// A missing file behaves as an empty mapping. Mutations rewrite the file
// atomically so a crash never leaves a truncated secrets file.
type Secrets struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// LoadSecrets reads secrets.yaml from the system root.
func LoadSecrets(systemRoot string) (*Secrets, error) {
	s := &Secrets{
		path:   filepath.Join(systemRoot, SecretsFileName),
		values: make(map[string]string),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read secrets file %s: %w", s.path, err)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", s.path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

// Get returns the secret value for name.
func (s *Secrets) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok && v != ""
}

// Available reports whether name resolves to a non-empty value. The empty
// name is vacuously available (components with no secret dependency).
func (s *Secrets) Available(name string) bool {
	if name == "" {
		return true
	}
	_, ok := s.Get(name)
	return ok
}

// Names returns the stored secret names, sorted. Values are never listed.
func (s *Secrets) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set stores a secret and persists the file.
func (s *Secrets) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("secret name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return s.persistLocked()
}

// Delete removes a secret and persists the file. Deleting an absent name is
// a no-op.
func (s *Secrets) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		return nil
	}
	delete(s.values, name)
	return s.persistLocked()
}

func (s *Secrets) persistLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}
