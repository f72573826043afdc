// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VaultIgnoreMarker excludes a data-root directory from vault discovery.
// Presence is all that matters; content is ignored.
const VaultIgnoreMarker = ".vaultignore"

// LoadError is a per-file parse failure. Bad files never block the rest of
// the scan; they surface through the status endpoint.
type LoadError struct {
	Vault string `json:"vault"`
	Path  string `json:"path"`
	Err   string `json:"error"`
}

// Snapshot is one consistent view of every workflow on disk. Snapshots are
// immutable; a rescan swaps in a fresh one.
type Snapshot struct {
	Vaults    []string
	Workflows []*Workflow
	Errors    []LoadError
	ScannedAt time.Time

	byID map[string]*Workflow
}

// Get looks a workflow up by its global id.
func (s *Snapshot) Get(globalID string) (*Workflow, bool) {
	w, ok := s.byID[globalID]
	return w, ok
}

// ByVault returns the snapshot's workflows for one vault, in global id
// order.
func (s *Snapshot) ByVault(vault string) []*Workflow {
	var out []*Workflow
	for _, w := range s.Workflows {
		if w.Vault == vault {
			out = append(out, w)
		}
	}
	return out
}

// Loader scans the data root for vaults and their workflow files. Parsed
// workflows are cached by path and content hash, so an unchanged file is
// never re-parsed and keeps its directive parse cache across rescans.
type Loader struct {
	dataRoot string
	logger   *zap.Logger

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	snap      *Snapshot
	onRemoved func(ids []string)
}

type cacheEntry struct {
	hash string
	wf   *Workflow
}

// NewLoader creates a loader rooted at dataRoot. The first Rescan
// populates the snapshot; until then Snapshot() returns an empty one.
func NewLoader(dataRoot string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		dataRoot: dataRoot,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		snap:     &Snapshot{byID: make(map[string]*Workflow)},
	}
}

// DataRoot returns the directory the loader scans.
func (l *Loader) DataRoot() string { return l.dataRoot }

// VaultRoot returns the absolute path of a vault directory.
func (l *Loader) VaultRoot(vault string) string {
	return filepath.Join(l.dataRoot, vault)
}

// Snapshot returns the most recent scan result.
func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Get looks a workflow up in the current snapshot.
func (l *Loader) Get(globalID string) (*Workflow, bool) {
	return l.Snapshot().Get(globalID)
}

// OnRemoved registers a callback that receives the global ids of workflows
// present in the previous snapshot but absent from the new one. Rescan
// invokes it after the snapshot swap, in id order.
func (l *Loader) OnRemoved(fn func(ids []string)) {
	l.mu.Lock()
	l.onRemoved = fn
	l.mu.Unlock()
}

// Rescan walks the data root and rebuilds the snapshot. Only a data-root
// level failure is returned as an error; per-file problems land in
// Snapshot.Errors.
func (l *Loader) Rescan() (*Snapshot, error) {
	vaults, err := discoverVaults(l.dataRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan data root %s: %w", l.dataRoot, err)
	}

	snap := &Snapshot{
		Vaults:    vaults,
		ScannedAt: time.Now(),
		byID:      make(map[string]*Workflow),
	}
	newCache := make(map[string]cacheEntry)

	l.mu.RLock()
	oldCache := l.cache
	l.mu.RUnlock()

	for _, vault := range vaults {
		for _, rel := range l.workflowFiles(vault) {
			abs := filepath.Join(l.dataRoot, vault, filepath.FromSlash(rel))
			wf, entry, err := loadFile(vault, rel, abs, oldCache)
			if err != nil {
				snap.Errors = append(snap.Errors, LoadError{Vault: vault, Path: rel, Err: err.Error()})
				l.logger.Warn("Workflow failed to parse",
					zap.String("vault", vault),
					zap.String("path", rel),
					zap.Error(err))
				continue
			}
			newCache[abs] = entry
			snap.Workflows = append(snap.Workflows, wf)
			snap.byID[wf.GlobalID] = wf
		}
	}

	sort.Slice(snap.Workflows, func(i, j int) bool {
		return snap.Workflows[i].GlobalID < snap.Workflows[j].GlobalID
	})

	l.mu.Lock()
	oldSnap := l.snap
	l.cache = newCache
	l.snap = snap
	onRemoved := l.onRemoved
	l.mu.Unlock()

	var removed []string
	for id := range oldSnap.byID {
		if _, ok := snap.byID[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 && onRemoved != nil {
		sort.Strings(removed)
		onRemoved(removed)
	}

	l.logger.Info("Vault scan complete",
		zap.Int("vaults", len(snap.Vaults)),
		zap.Int("workflows", len(snap.Workflows)),
		zap.Int("errors", len(snap.Errors)))
	return snap, nil
}

func loadFile(vault, rel, abs string, cache map[string]cacheEntry) (*Workflow, cacheEntry, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, cacheEntry{}, fmt.Errorf("read failed: %w", err)
	}

	hash := SourceHash(content)
	if e, ok := cache[abs]; ok && e.hash == hash {
		return e.wf, e, nil
	}

	doc, err := Parse(content, true)
	if err != nil {
		return nil, cacheEntry{}, err
	}
	wf, err := FromDocument(vault, rel, abs, doc, hash)
	if err != nil {
		return nil, cacheEntry{}, err
	}
	return wf, cacheEntry{hash: hash, wf: wf}, nil
}

// discoverVaults lists data-root directories that do not carry the
// .vaultignore marker. Hidden directories are never vaults.
func discoverVaults(dataRoot string) ([]string, error) {
	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		return nil, err
	}

	var vaults []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		marker := filepath.Join(dataRoot, entry.Name(), VaultIgnoreMarker)
		if _, err := os.Stat(marker); err == nil {
			continue
		}
		vaults = append(vaults, entry.Name())
	}
	sort.Strings(vaults)
	return vaults, nil
}

// workflowFiles lists a vault's workflow markdown files, slash-separated
// and vault-relative. Workflows/ is scanned at its root plus one level of
// subfolders; files and subfolders starting with _ are skipped.
func (l *Loader) workflowFiles(vault string) []string {
	base := filepath.Join(l.dataRoot, vault, "Workflows")
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("Failed to read Workflows directory",
				zap.String("vault", vault),
				zap.Error(err))
		}
		return nil
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		if !entry.IsDir() {
			if strings.HasSuffix(name, ".md") {
				files = append(files, path.Join("Workflows", name))
			}
			continue
		}
		sub, err := os.ReadDir(filepath.Join(base, name))
		if err != nil {
			l.logger.Warn("Failed to read Workflows subfolder",
				zap.String("vault", vault),
				zap.String("folder", name),
				zap.Error(err))
			continue
		}
		for _, f := range sub {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") ||
				strings.HasPrefix(f.Name(), "_") || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			files = append(files, path.Join("Workflows", name, f.Name()))
		}
	}
	sort.Strings(files)
	return files
}
