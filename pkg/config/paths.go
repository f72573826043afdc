// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Environment variables consumed by Bootstrap. There is deliberately no
// fallback: a process that has not been pointed at its roots must not
// invent them.
const (
	EnvDataRoot   = "CONTAINER_DATA_ROOT"
	EnvSystemRoot = "CONTAINER_SYSTEM_ROOT"
)

var (
	rootsMu    sync.RWMutex
	dataRoot   string
	systemRoot string
	booted     bool
)

// Bootstrap captures the data root (vault parent directory) and system root
// (settings, secrets, databases, logs) from the environment. It must run
// before any component resolves paths; DataRoot and SystemRoot fail until it
// has.
//
// Bootstrap also creates the system subdirectories the runtime writes to.
func Bootstrap() error {
	return BootstrapWith(os.Getenv(EnvDataRoot), os.Getenv(EnvSystemRoot))
}

// BootstrapWith is Bootstrap with explicit roots, for CLI flag overrides and
// tests.
func BootstrapWith(data, system string) error {
	if data == "" {
		return fmt.Errorf("data root not set (set %s)", EnvDataRoot)
	}
	if system == "" {
		return fmt.Errorf("system root not set (set %s)", EnvSystemRoot)
	}

	data = expandPath(data)
	system = expandPath(system)

	if info, err := os.Stat(data); err != nil {
		return fmt.Errorf("data root %s: %w", data, err)
	} else if !info.IsDir() {
		return fmt.Errorf("data root %s is not a directory", data)
	}

	for _, dir := range []string{system, filepath.Join(system, "ContextTemplates")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create system directory %s: %w", dir, err)
		}
	}

	rootsMu.Lock()
	dataRoot = data
	systemRoot = system
	booted = true
	rootsMu.Unlock()
	return nil
}

// DataRoot returns the directory that holds the user's vaults. It fails if
// Bootstrap has not run.
func DataRoot() (string, error) {
	rootsMu.RLock()
	defer rootsMu.RUnlock()
	if !booted {
		return "", fmt.Errorf("paths not bootstrapped: call config.Bootstrap first (requires %s)", EnvDataRoot)
	}
	return dataRoot, nil
}

// SystemRoot returns the directory that holds settings, secrets, databases,
// and the activity log. It fails if Bootstrap has not run.
func SystemRoot() (string, error) {
	rootsMu.RLock()
	defer rootsMu.RUnlock()
	if !booted {
		return "", fmt.Errorf("paths not bootstrapped: call config.Bootstrap first (requires %s)", EnvSystemRoot)
	}
	return systemRoot, nil
}

// SystemPath joins elem onto the system root.
// Example: SystemPath("activity.log").
func SystemPath(elem ...string) (string, error) {
	root, err := SystemRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{root}, elem...)...), nil
}

// ResetForTest clears the bootstrap state so tests can re-bootstrap with
// their own temp roots.
func ResetForTest() {
	rootsMu.Lock()
	dataRoot = ""
	systemRoot = ""
	booted = false
	rootsMu.Unlock()
}

// expandPath expands a leading ~ and resolves the path to absolute.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
