// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultLatestCap bounds {latest} when no explicit count is given.
const DefaultLatestCap = 50

// DefaultPendingCount is the implicit N of a bare {pending}.
const DefaultPendingCount = 10

// FileHit is one file matched by ResolveMany. RelPath is vault-relative
// with forward slashes; SHA256 is populated only for {pending} candidates,
// captured at resolution time so a step that edits its own inputs records
// the pre-edit hash.
type FileHit struct {
	RelPath string
	AbsPath string
	ModTime time.Time
	SHA256  string
}

// PendingState answers whether a candidate file was already consumed for
// the pattern being resolved. The caller binds workflow and pattern
// identity before handing the state in.
type PendingState interface {
	IsProcessed(relPath, sha256 string, mtime time.Time) (bool, error)
}

// ResolveOptions parameterize ResolveMany.
type ResolveOptions struct {
	VaultRoot     string
	ReferenceDate time.Time
	WeekStartDay  time.Weekday

	// LatestCap bounds a bare {latest}; zero means DefaultLatestCap.
	LatestCap int

	// PendingCount is the implicit N of a bare {pending}; zero means
	// DefaultPendingCount.
	PendingCount int

	// Pending filters {pending} candidates. Nil treats every candidate as
	// unprocessed.
	Pending PendingState
}

// ResolveMany expands an @input file: pattern into the ordered files it
// matches. The scan is non-recursive: only the directory named by the
// pattern is listed. A missing directory resolves to an empty set, not an
// error.
func ResolveMany(pattern string, opts ResolveOptions) ([]FileHit, error) {
	if opts.VaultRoot == "" {
		return nil, fmt.Errorf("vault root is required")
	}

	expanded, err := expandDateTokens(pattern, opts.ReferenceDate, opts.WeekStartDay)
	if err != nil {
		return nil, err
	}
	expanded = strings.TrimSpace(expanded)
	if err := ValidateRelPath(pattern, expanded); err != nil {
		return nil, err
	}

	dir, base := path.Split(expanded)
	dir = strings.TrimSuffix(dir, "/")
	if strings.Contains(dir, "*") || HasCollectionToken(dir) {
		return nil, resolutionErr(pattern, "globs and collection tokens are only valid in the final path segment")
	}

	switch {
	case HasCollectionToken(base):
		return resolveCollection(pattern, dir, base, opts)
	case strings.Contains(base, "*"):
		return resolveGlob(pattern, dir, base, opts)
	default:
		return resolveLiteral(dir, base, opts)
	}
}

// resolveLiteral resolves a token-free path: the file itself if it exists,
// otherwise nothing.
func resolveLiteral(dir, base string, opts ResolveOptions) ([]FileHit, error) {
	rel := path.Join(dir, base)
	abs := filepath.Join(opts.VaultRoot, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	return []FileHit{{RelPath: rel, AbsPath: abs, ModTime: info.ModTime()}}, nil
}

// resolveGlob matches * within the final segment against the directory
// listing, ordered by name for determinism.
func resolveGlob(pattern, dir, base string, opts ResolveOptions) ([]FileHit, error) {
	hits, err := listDir(dir, opts)
	if err != nil {
		return nil, err
	}
	var matched []FileHit
	for _, h := range hits {
		name := path.Base(h.RelPath)
		ok, err := path.Match(base, name)
		if err != nil {
			return nil, resolutionErr(pattern, "bad glob %q: %v", base, err)
		}
		if ok {
			matched = append(matched, h)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].RelPath < matched[j].RelPath })
	return matched, nil
}

// resolveCollection handles {latest[:N]} and {pending[:N]} as the final
// segment.
func resolveCollection(pattern, dir, base string, opts ResolveOptions) ([]FileHit, error) {
	groups := braceGroupsOf(base)
	if len(groups) != 1 || groups[0].full != base {
		return nil, resolutionErr(pattern, "collection token must be the entire final path segment")
	}
	g := groups[0]

	n := 0
	if g.suffix != "" {
		parsed, err := strconv.Atoi(g.suffix)
		if err != nil || parsed < 1 {
			return nil, resolutionErr(pattern, "{%s:%s}: count must be a positive integer", g.name, g.suffix)
		}
		n = parsed
	}

	hits, err := listDir(dir, opts)
	if err != nil {
		return nil, err
	}

	switch g.name {
	case "latest":
		limit := opts.LatestCap
		if limit <= 0 {
			limit = DefaultLatestCap
		}
		if n == 0 || n > limit {
			n = limit
		}
		// Newest first; names break mtime ties.
		sort.Slice(hits, func(i, j int) bool {
			if !hits[i].ModTime.Equal(hits[j].ModTime) {
				return hits[i].ModTime.After(hits[j].ModTime)
			}
			return hits[i].RelPath < hits[j].RelPath
		})
		if len(hits) > n {
			hits = hits[:n]
		}
		return hits, nil

	case "pending":
		if n == 0 {
			n = opts.PendingCount
			if n <= 0 {
				n = DefaultPendingCount
			}
		}
		// Oldest first so long-waiting files drain ahead of new arrivals.
		sort.Slice(hits, func(i, j int) bool {
			if !hits[i].ModTime.Equal(hits[j].ModTime) {
				return hits[i].ModTime.Before(hits[j].ModTime)
			}
			return hits[i].RelPath < hits[j].RelPath
		})
		var pending []FileHit
		for _, h := range hits {
			sum, err := HashFile(h.AbsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to hash %s: %w", h.RelPath, err)
			}
			h.SHA256 = sum
			if opts.Pending != nil {
				processed, err := opts.Pending.IsProcessed(h.RelPath, h.SHA256, h.ModTime)
				if err != nil {
					return nil, err
				}
				if processed {
					continue
				}
			}
			pending = append(pending, h)
			if len(pending) == n {
				break
			}
		}
		return pending, nil
	}

	return nil, resolutionErr(pattern, "unknown collection token {%s}", g.name)
}

// listDir lists the regular, non-hidden files of a vault-relative
// directory. A missing directory yields an empty listing.
func listDir(dir string, opts ResolveOptions) ([]FileHit, error) {
	absDir := filepath.Join(opts.VaultRoot, filepath.FromSlash(dir))
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var hits []FileHit
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		hits = append(hits, FileHit{
			RelPath: path.Join(dir, entry.Name()),
			AbsPath: filepath.Join(absDir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}
	return hits, nil
}

// HashFile returns the hex sha256 of a file's content.
func HashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashContent returns the hex sha256 of raw content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
