// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package directive parses the @-directive block that configures a
// workflow or context-template step. Directives occupy a contiguous prefix
// of a section body; the first non-directive line starts the prompt body.
package directive

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Input and output schemes.
const (
	SchemeFile     = "file"
	SchemeVariable = "variable"
)

// Image handling for file inputs.
const (
	ImagesAuto   = "auto"
	ImagesIgnore = "ignore"
)

// WriteMode controls how an output target is written.
type WriteMode string

const (
	// WriteAppend appends to the target, the default.
	WriteAppend WriteMode = "append"

	// WriteNew writes to a fresh file with a _NNN suffix.
	WriteNew WriteMode = "new"

	// WriteReplace overwrites the target.
	WriteReplace WriteMode = "replace"
)

// InputRef is one parsed @input directive.
type InputRef struct {
	// Scheme is "file" or "variable".
	Scheme string

	// Target is the file pattern or buffer name.
	Target string

	// Required skips the step when the input resolves empty.
	Required bool

	// RefsOnly includes file paths in the prompt without inlining content.
	RefsOnly bool

	// Images is "auto" or "ignore" for image files matched by the pattern.
	Images string
}

// OutputRef is a parsed @output directive.
type OutputRef struct {
	// Scheme is "file" or "variable".
	Scheme string

	// Target is the file pattern or buffer name. File targets have
	// Obsidian [[...]] brackets already stripped; the .md extension is
	// normalized after pattern resolution, see NormalizeOutputPath.
	Target string
}

// ToolSelection is a parsed @tools directive.
type ToolSelection struct {
	All   bool
	None  bool
	Names []string
}

// RunOn is a parsed @run-on directive. The zero value never matches; use
// Daily for the default.
type RunOn struct {
	Daily bool
	Never bool
	Days  map[time.Weekday]bool
}

// Matches reports whether the step should run on the given weekday.
func (r RunOn) Matches(day time.Weekday) bool {
	if r.Never {
		return false
	}
	if r.Daily {
		return true
	}
	return r.Days[day]
}

// CacheScope distinguishes the fixed-duration cache from the calendar
// scopes.
type CacheScope string

const (
	CacheDuration CacheScope = "duration"
	CacheSession  CacheScope = "session"
	CacheDaily    CacheScope = "daily"
	CacheWeekly   CacheScope = "weekly"
)

// CacheSpec is a parsed @cache directive.
type CacheSpec struct {
	Scope CacheScope

	// TTL is set when Scope is CacheDuration.
	TTL time.Duration
}

// ExpiresAt returns when a cache entry created at from stops being valid.
// A zero return means no time-based expiry (session scope).
func (c *CacheSpec) ExpiresAt(from time.Time) time.Time {
	switch c.Scope {
	case CacheSession:
		return time.Time{}
	case CacheDaily:
		return startOfDay(from).AddDate(0, 0, 1)
	case CacheWeekly:
		return startOfDay(from).AddDate(0, 0, 7)
	default:
		return from.Add(c.TTL)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Passthrough is a parsed @passthrough-runs directive.
type Passthrough struct {
	All bool
	N   int
}

// Map holds every directive parsed from one section, with defaults applied
// for the directives that were absent.
type Map struct {
	// Inputs accumulates @input directives in declaration order.
	Inputs []InputRef

	// Output is the last @output directive, or nil.
	Output *OutputRef

	// Header is the @header template, pattern-resolved at write time.
	Header string

	// Model is the model alias from @model; empty means the default model.
	Model string

	// ModelThinking is the (thinking) option on @model.
	ModelThinking bool

	// Tools is the @tools selection, or nil when the directive is absent
	// (no tools are exposed).
	Tools *ToolSelection

	// WriteMode defaults to append.
	WriteMode WriteMode

	// RunOn defaults to daily.
	RunOn RunOn

	// Cache is nil when the section output is never cached.
	Cache *CacheSpec

	// Context Manager overrides; nil means use the configured default.
	RecentRuns      *int
	RecentSummaries *int
	TokenThreshold  *int
	Passthrough     *Passthrough
}

// NewMap returns a Map with the documented defaults.
func NewMap() *Map {
	return &Map{
		WriteMode: WriteAppend,
		RunOn:     RunOn{Daily: true},
	}
}

// ParseError describes a malformed directive. It is fatal for the step
// that carries it, not for the rest of the workflow.
type ParseError struct {
	Directive string
	Line      string
	Section   string
	Reason    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid @%s directive in section %q: %s (line: %q)",
		e.Directive, e.Section, e.Reason, e.Line)
}

// NormalizeOutputPath normalizes a resolved output file path: Obsidian
// [[...]] brackets are stripped and the extension is forced to .md.
func NormalizeOutputPath(p string) string {
	p = strings.ReplaceAll(p, "[[", "")
	p = strings.ReplaceAll(p, "]]", "")
	p = strings.TrimSpace(p)

	switch ext := path.Ext(p); ext {
	case ".md":
		return p
	case "":
		return p + ".md"
	default:
		return strings.TrimSuffix(p, ext) + ".md"
	}
}
