// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVaultFile(t *testing.T, vault, rel, content string, mtime time.Time) string {
	t.Helper()
	abs := filepath.Join(vault, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
	return abs
}

func testOpts(vault string) ResolveOptions {
	return ResolveOptions{
		VaultRoot:     vault,
		ReferenceDate: refDate,
		WeekStartDay:  time.Monday,
	}
}

func TestResolveMany_Literal(t *testing.T) {
	vault := t.TempDir()
	writeVaultFile(t, vault, "notes/todo.md", "x", refDate)

	hits, err := ResolveMany("notes/todo.md", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "notes/todo.md", hits[0].RelPath)

	hits, err = ResolveMany("notes/absent.md", testOpts(vault))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestResolveMany_DateTokenPath(t *testing.T) {
	vault := t.TempDir()
	writeVaultFile(t, vault, "daily/2026-02-10.md", "today", refDate)

	hits, err := ResolveMany("daily/{today}.md", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "daily/2026-02-10.md", hits[0].RelPath)
}

func TestResolveMany_MissingDirectoryIsEmpty(t *testing.T) {
	hits, err := ResolveMany("nowhere/{latest:3}", testOpts(t.TempDir()))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestResolveMany_Glob(t *testing.T) {
	vault := t.TempDir()
	writeVaultFile(t, vault, "journal/b.md", "b", refDate)
	writeVaultFile(t, vault, "journal/a.md", "a", refDate)
	writeVaultFile(t, vault, "journal/c.txt", "c", refDate)

	hits, err := ResolveMany("journal/*.md", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "journal/a.md", hits[0].RelPath)
	assert.Equal(t, "journal/b.md", hits[1].RelPath)
}

func TestResolveMany_GlobOnlyInFinalSegment(t *testing.T) {
	_, err := ResolveMany("*/notes.md", testOpts(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final path segment")
}

func TestResolveMany_Latest(t *testing.T) {
	vault := t.TempDir()
	base := refDate.Add(-time.Hour)
	writeVaultFile(t, vault, "journal/old.md", "1", base)
	writeVaultFile(t, vault, "journal/mid.md", "2", base.Add(10*time.Minute))
	writeVaultFile(t, vault, "journal/new.md", "3", base.Add(20*time.Minute))

	hits, err := ResolveMany("journal/{latest:2}", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "journal/new.md", hits[0].RelPath)
	assert.Equal(t, "journal/mid.md", hits[1].RelPath)

	// Fewer files than requested is not an error.
	hits, err = ResolveMany("journal/{latest:10}", testOpts(vault))
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestResolveMany_LatestCap(t *testing.T) {
	vault := t.TempDir()
	for i := 0; i < 5; i++ {
		writeVaultFile(t, vault, filepath.Join("j", string(rune('a'+i))+".md"), "x",
			refDate.Add(time.Duration(i)*time.Minute))
	}

	opts := testOpts(vault)
	opts.LatestCap = 2
	hits, err := ResolveMany("j/{latest}", opts)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestResolveMany_CollectionTokenMustStandAlone(t *testing.T) {
	_, err := ResolveMany("journal/prefix-{latest:3}", testOpts(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entire final path segment")
}

func TestResolveMany_CollectionCountValidation(t *testing.T) {
	_, err := ResolveMany("journal/{latest:0}", testOpts(t.TempDir()))
	require.Error(t, err)

	_, err = ResolveMany("journal/{pending:nope}", testOpts(t.TempDir()))
	require.Error(t, err)
}

type fakePendingState struct {
	processed map[string]bool
}

func (f *fakePendingState) IsProcessed(relPath, sha string, mtime time.Time) (bool, error) {
	return f.processed[relPath], nil
}

func TestResolveMany_PendingOrdersOldestFirst(t *testing.T) {
	vault := t.TempDir()
	base := refDate.Add(-time.Hour)
	writeVaultFile(t, vault, "timesheets/wed.md", "w", base.Add(20*time.Minute))
	writeVaultFile(t, vault, "timesheets/mon.md", "m", base)
	writeVaultFile(t, vault, "timesheets/tue.md", "t", base.Add(10*time.Minute))

	hits, err := ResolveMany("timesheets/{pending}", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "timesheets/mon.md", hits[0].RelPath)
	assert.Equal(t, "timesheets/tue.md", hits[1].RelPath)
	assert.Equal(t, "timesheets/wed.md", hits[2].RelPath)
	for _, h := range hits {
		assert.NotEmpty(t, h.SHA256, "pending hits carry resolve-time hashes")
	}
}

func TestResolveMany_PendingFiltersProcessed(t *testing.T) {
	vault := t.TempDir()
	base := refDate.Add(-time.Hour)
	writeVaultFile(t, vault, "timesheets/a.md", "a", base)
	writeVaultFile(t, vault, "timesheets/b.md", "b", base.Add(time.Minute))

	opts := testOpts(vault)
	opts.Pending = &fakePendingState{processed: map[string]bool{"timesheets/a.md": true}}

	hits, err := ResolveMany("timesheets/{pending:5}", opts)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "timesheets/b.md", hits[0].RelPath)
}

func TestResolveMany_PendingCount(t *testing.T) {
	vault := t.TempDir()
	base := refDate.Add(-time.Hour)
	for i := 0; i < 4; i++ {
		writeVaultFile(t, vault, filepath.Join("in", string(rune('a'+i))+".md"), "x",
			base.Add(time.Duration(i)*time.Minute))
	}

	hits, err := ResolveMany("in/{pending:2}", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "in/a.md", hits[0].RelPath)
	assert.Equal(t, "in/b.md", hits[1].RelPath)
}

func TestResolveMany_SkipsHiddenAndDirs(t *testing.T) {
	vault := t.TempDir()
	writeVaultFile(t, vault, "j/real.md", "x", refDate)
	writeVaultFile(t, vault, "j/.hidden.md", "x", refDate)
	require.NoError(t, os.MkdirAll(filepath.Join(vault, "j", "sub"), 0o755))

	hits, err := ResolveMany("j/{latest:10}", testOpts(vault))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "j/real.md", hits[0].RelPath)
}

func TestResolveMany_RejectsTraversal(t *testing.T) {
	for _, p := range []string{"../outside/{latest}", "/abs/{latest}", "a/**/b.md"} {
		_, err := ResolveMany(p, testOpts(t.TempDir()))
		require.Error(t, err, "pattern %q", p)
	}
}

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("same"))
	b := HashContent([]byte("same"))
	c := HashContent([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
