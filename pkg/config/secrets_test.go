// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSecrets_MissingFileIsEmpty(t *testing.T) {
	s, err := LoadSecrets(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s.Names())

	_, ok := s.Get("anthropic_api_key")
	assert.False(t, ok)
}

func TestSecrets_SetPersists(t *testing.T) {
	systemRoot := t.TempDir()

	s, err := LoadSecrets(systemRoot)
	require.NoError(t, err)
	require.NoError(t, s.Set("anthropic_api_key", "sk-test"))

	v, ok := s.Get("anthropic_api_key")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)

	// A fresh load sees the persisted value.
	reloaded, err := LoadSecrets(systemRoot)
	require.NoError(t, err)
	v, ok = reloaded.Get("anthropic_api_key")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)
}

func TestSecrets_FileModeIsPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	systemRoot := t.TempDir()
	s, err := LoadSecrets(systemRoot)
	require.NoError(t, err)
	require.NoError(t, s.Set("openai_api_key", "sk-abc"))

	info, err := os.Stat(filepath.Join(systemRoot, SecretsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSecrets_EmptyValueIsAbsent(t *testing.T) {
	s, err := LoadSecrets(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Set("brave_api_key", ""))

	_, ok := s.Get("brave_api_key")
	assert.False(t, ok)
	assert.False(t, s.Available("brave_api_key"))
}

func TestSecrets_AvailableWithNoRequirement(t *testing.T) {
	s, err := LoadSecrets(t.TempDir())
	require.NoError(t, err)

	// A tool or provider that names no secret is always available.
	assert.True(t, s.Available(""))
}

func TestSecrets_Delete(t *testing.T) {
	systemRoot := t.TempDir()
	s, err := LoadSecrets(systemRoot)
	require.NoError(t, err)

	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Delete("k"))

	_, ok := s.Get("k")
	assert.False(t, ok)

	reloaded, err := LoadSecrets(systemRoot)
	require.NoError(t, err)
	_, ok = reloaded.Get("k")
	assert.False(t, ok)
}

func TestSecrets_NamesSortedWithoutValues(t *testing.T) {
	s, err := LoadSecrets(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Set("zeta", "1"))
	require.NoError(t, s.Set("alpha", "2"))

	assert.Equal(t, []string{"alpha", "zeta"}, s.Names())
}
