// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/directive"
	"github.com/assistantmd/assistantmd/pkg/filestate"
	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// pendingBatch holds one {pending} pattern's resolved files, recorded as
// consumed when the step succeeds.
type pendingBatch struct {
	pattern string
	files   []filestate.ConsumedFile
}

// resolveInputs expands the step's @input directives and composes the
// prompt: the section body first, then each input under a header naming
// its source. An empty required input turns the whole step into a skip
// before any model is touched.
func (e *Engine) resolveInputs(ctx context.Context, rc *runContext, dm *directive.Map, body string) (string, []pendingBatch, stepOutcome, error) {
	var blocks []string
	var pending []pendingBatch

	for _, in := range dm.Inputs {
		switch in.Scheme {
		case directive.SchemeVariable:
			text, ok := rc.buffers.Get(in.Target)
			if !ok {
				if in.Required {
					return "", nil, skip(fmt.Sprintf("required buffer %q is unset", in.Target)), nil
				}
				e.logger.Warn("Buffer is unset, using empty content",
					zap.String("workflow_id", rc.workflow.GlobalID),
					zap.String("run_id", rc.runID),
					zap.String("buffer", in.Target))
			}
			blocks = append(blocks, renderBlock(in.Target, text))

		case directive.SchemeFile:
			hits, err := e.resolvePattern(ctx, rc, in.Target)
			if err != nil {
				return "", nil, stepOutcome{}, err
			}
			if in.Images == directive.ImagesIgnore {
				hits = dropImages(hits)
			}
			if len(hits) == 0 {
				if in.Required {
					return "", nil, skip(fmt.Sprintf("required input %q matched nothing", in.Target)), nil
				}
				// A missing literal file gets an explicit marker so the
				// model sees the gap; empty collections resolve silently.
				if patterns.IsLiteral(in.Target) {
					blocks = append(blocks, renderBlock(in.Target, "[missing input: "+in.Target+"]"))
				}
				e.logger.Warn("Input matched nothing",
					zap.String("workflow_id", rc.workflow.GlobalID),
					zap.String("run_id", rc.runID),
					zap.String("pattern", in.Target))
				continue
			}

			if in.RefsOnly {
				blocks = append(blocks, renderRefs(in.Target, hits))
			} else {
				for _, h := range hits {
					if isImage(h.RelPath) {
						blocks = append(blocks, renderBlock(h.RelPath, "(image attachment)"))
						continue
					}
					content, err := os.ReadFile(h.AbsPath)
					if err != nil {
						return "", nil, stepOutcome{}, fmt.Errorf("failed to read input %s: %w", h.RelPath, err)
					}
					blocks = append(blocks, renderBlock(h.RelPath, string(content)))
				}
			}

			if patterns.HasPendingToken(in.Target) {
				now := time.Now()
				files := make([]filestate.ConsumedFile, 0, len(hits))
				for _, h := range hits {
					files = append(files, filestate.ConsumedFile{
						RelPath:  h.RelPath,
						SHA256:   h.SHA256,
						MarkedAt: now,
					})
				}
				pending = append(pending, pendingBatch{pattern: in.Target, files: files})
			}

		default:
			return "", nil, stepOutcome{}, fmt.Errorf("unsupported input scheme %q", in.Scheme)
		}
	}

	parts := make([]string, 0, len(blocks)+1)
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		parts = append(parts, trimmed)
	}
	parts = append(parts, blocks...)
	return strings.Join(parts, "\n\n"), pending, stepOutcome{}, nil
}

// resolvePattern runs the pattern resolver against the workflow's vault.
// Pending state is only consulted when the pattern actually carries a
// {pending} token; everything else resolves statelessly.
func (e *Engine) resolvePattern(ctx context.Context, rc *runContext, pattern string) ([]patterns.FileHit, error) {
	opts := patterns.ResolveOptions{
		VaultRoot:     rc.vaultRoot,
		ReferenceDate: rc.refDate,
		WeekStartDay:  rc.weekStart,
		LatestCap:     e.settings.Defaults.LatestCap,
		PendingCount:  e.settings.Defaults.PendingDefault,
	}
	if patterns.HasPendingToken(pattern) {
		opts.Pending = e.fileState.ForPattern(ctx, rc.workflow.GlobalID, pattern)
	}
	return patterns.ResolveMany(pattern, opts)
}

// renderBlock formats one input under a header naming its source.
func renderBlock(source, content string) string {
	return "### " + source + "\n\n" + strings.TrimSpace(content)
}

// renderRefs lists matched paths without inlining their content.
func renderRefs(pattern string, hits []patterns.FileHit) string {
	lines := make([]string, 0, len(hits)+2)
	lines = append(lines, "### "+pattern, "")
	for _, h := range hits {
		lines = append(lines, "- "+h.RelPath)
	}
	return strings.Join(lines, "\n")
}

// imageExts are the attachment formats vaults commonly embed. Image bytes
// never go into a prompt; auto mode renders them as a reference.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".svg":  true,
}

func isImage(relPath string) bool {
	return imageExts[strings.ToLower(path.Ext(relPath))]
}

func dropImages(hits []patterns.FileHit) []patterns.FileHit {
	kept := hits[:0]
	for _, h := range hits {
		if !isImage(h.RelPath) {
			kept = append(kept, h)
		}
	}
	return kept
}
