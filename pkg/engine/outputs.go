// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/directive"
	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// routeOutput delivers a step's model output. With no @output directive
// the step is side-effect-only and the content is dropped.
func (e *Engine) routeOutput(rc *runContext, dm *directive.Map, content string) error {
	out := dm.Output
	if out == nil {
		return nil
	}

	switch out.Scheme {
	case directive.SchemeVariable:
		if dm.WriteMode == directive.WriteReplace {
			rc.buffers.Set(out.Target, content)
		} else {
			rc.buffers.Append(out.Target, content)
		}
		return nil
	case directive.SchemeFile:
		return e.writeFileOutput(rc, dm, content)
	default:
		return fmt.Errorf("unsupported output scheme %q", out.Scheme)
	}
}

// writeFileOutput resolves the target path, applies the write mode and the
// once-per-file header, and writes atomically.
func (e *Engine) writeFileOutput(rc *runContext, dm *directive.Map, content string) error {
	resolved, err := patterns.ResolveSingle(dm.Output.Target, rc.refDate, rc.weekStart)
	if err != nil {
		return err
	}
	rel := directive.NormalizeOutputPath(resolved)
	if err := patterns.ValidateRelPath(dm.Output.Target, rel); err != nil {
		return err
	}

	abs := filepath.Join(rc.vaultRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if dm.WriteMode == directive.WriteNew {
		rel, abs, err = nextNewPath(rc.vaultRoot, rel)
		if err != nil {
			return err
		}
	}

	if dm.Header != "" && !rc.created[rel] {
		header, err := patterns.ResolveSingle(dm.Header, rc.refDate, rc.weekStart)
		if err != nil {
			return fmt.Errorf("failed to resolve header: %w", err)
		}
		content = "# " + header + "\n\n" + content
	}

	var final []byte
	switch dm.WriteMode {
	case directive.WriteAppend:
		existing, err := os.ReadFile(abs)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		final = appendContent(existing, content)
	case directive.WriteNew, directive.WriteReplace:
		final = ensureTrailingNewline([]byte(content))
	default:
		return fmt.Errorf("unsupported write mode %q", dm.WriteMode)
	}

	if err := writeFileAtomic(abs, final); err != nil {
		return err
	}
	rc.created[rel] = true

	e.logger.Info("Wrote step output",
		zap.String("workflow_id", rc.workflow.GlobalID),
		zap.String("run_id", rc.runID),
		zap.String("path", rel),
		zap.String("mode", string(dm.WriteMode)))
	return nil
}

// nextNewPath picks the smallest unused _NNN suffix for a write-mode new
// target: report.md becomes report_001.md, then report_002.md, filling
// gaps left by deleted files first.
func nextNewPath(vaultRoot, rel string) (string, string, error) {
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	for n := 1; n <= 999; n++ {
		candidate := fmt.Sprintf("%s_%03d%s", stem, n, ext)
		abs := filepath.Join(vaultRoot, filepath.FromSlash(candidate))
		_, err := os.Stat(abs)
		switch {
		case os.IsNotExist(err):
			return candidate, abs, nil
		case err != nil:
			return "", "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
	}
	return "", "", fmt.Errorf("no free slot for %s: suffixes _001 through _999 are all taken", rel)
}

// appendContent joins existing file content and a new block with a single
// newline, matching how buffer appends concatenate.
func appendContent(existing []byte, content string) []byte {
	trimmed := bytes.TrimRight(existing, "\n")
	if len(trimmed) == 0 {
		return ensureTrailingNewline([]byte(content))
	}
	var b bytes.Buffer
	b.Write(trimmed)
	b.WriteString("\n")
	b.WriteString(content)
	return ensureTrailingNewline(b.Bytes())
}

func ensureTrailingNewline(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return b
	}
	return append(b, '\n')
}

// writeFileAtomic writes through a temp file in the target directory so a
// crash never leaves a half-written note. The dot prefix keeps the temp
// file invisible to vault scans.
func writeFileAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	tmp, err := os.CreateTemp(dir, ".assistantmd-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(abs), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
