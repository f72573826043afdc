// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package patterns resolves {…} tokens in workflow directives against a
// reference date, a week start day, and a vault root.
//
// Two families of tokens exist. Date tokens ({today}, {this-week},
// {month-name}, …) expand to strings and are legal anywhere. Collection
// tokens ({latest:N}, {pending:N}) expand to sets of files and are legal
// only in @input file: patterns.
package patterns

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResolutionError reports a pattern that cannot be resolved: an unknown
// token, a rejected path shape, or a collection token out of place.
type ResolutionError struct {
	Pattern string
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve pattern %q: %s", e.Pattern, e.Reason)
}

func resolutionErr(pattern, format string, args ...any) error {
	return &ResolutionError{Pattern: pattern, Reason: fmt.Sprintf(format, args...)}
}

// Format tokens, ordered longest-first so MMMM never decomposes into MM+MM.
var formatTokens = []struct {
	name   string
	render func(t time.Time) string
}{
	{"YYYY", func(t time.Time) string { return fmt.Sprintf("%04d", t.Year()) }},
	{"MMMM", func(t time.Time) string { return t.Month().String() }},
	{"dddd", func(t time.Time) string { return t.Weekday().String() }},
	{"MMM", func(t time.Time) string { return t.Month().String()[:3] }},
	{"ddd", func(t time.Time) string { return t.Weekday().String()[:3] }},
	{"YY", func(t time.Time) string { return fmt.Sprintf("%02d", t.Year()%100) }},
	{"MM", func(t time.Time) string { return fmt.Sprintf("%02d", int(t.Month())) }},
	{"DD", func(t time.Time) string { return fmt.Sprintf("%02d", t.Day()) }},
	{"M", func(t time.Time) string { return strconv.Itoa(int(t.Month())) }},
	{"D", func(t time.Time) string { return strconv.Itoa(t.Day()) }},
}

// applyFormat renders t through a YYYY/MM/DD-style format string. The scan
// is single-pass so rendered values ("May", "Monday") are never re-matched
// as tokens.
func applyFormat(t time.Time, format string) string {
	var b strings.Builder
	i := 0
	for i < len(format) {
		matched := false
		for _, tok := range formatTokens {
			if strings.HasPrefix(format[i:], tok.name) {
				b.WriteString(tok.render(t))
				i += len(tok.name)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}

// dateToken describes one resolvable date token: how to shift the reference
// date and the format used when the token carries no :format suffix.
type dateToken struct {
	resolve       func(ref time.Time, weekStart time.Weekday) time.Time
	defaultFormat string
}

const (
	defaultDateFormat  = "YYYY-MM-DD"
	defaultMonthFormat = "YYYY-MM"
)

var dateTokens = map[string]dateToken{
	"today":    {func(ref time.Time, _ time.Weekday) time.Time { return ref }, defaultDateFormat},
	"yesterday": {func(ref time.Time, _ time.Weekday) time.Time {
		return ref.AddDate(0, 0, -1)
	}, defaultDateFormat},
	"tomorrow": {func(ref time.Time, _ time.Weekday) time.Time {
		return ref.AddDate(0, 0, 1)
	}, defaultDateFormat},
	"this-week": {weekStartOf, defaultDateFormat},
	"last-week": {func(ref time.Time, ws time.Weekday) time.Time {
		return weekStartOf(ref, ws).AddDate(0, 0, -7)
	}, defaultDateFormat},
	"next-week": {func(ref time.Time, ws time.Weekday) time.Time {
		return weekStartOf(ref, ws).AddDate(0, 0, 7)
	}, defaultDateFormat},
	"this-month": {monthStartOf, defaultMonthFormat},
	"last-month": {func(ref time.Time, ws time.Weekday) time.Time {
		return monthStartOf(ref, ws).AddDate(0, -1, 0)
	}, defaultMonthFormat},
	"day-name":   {func(ref time.Time, _ time.Weekday) time.Time { return ref }, "dddd"},
	"month-name": {func(ref time.Time, _ time.Weekday) time.Time { return ref }, "MMMM"},
}

func weekStartOf(ref time.Time, weekStart time.Weekday) time.Time {
	delta := (int(ref.Weekday()) - int(weekStart) + 7) % 7
	return ref.AddDate(0, 0, -delta)
}

func monthStartOf(ref time.Time, _ time.Weekday) time.Time {
	return time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
}

// ParseWeekday parses a weekday name or its 3-letter abbreviation,
// case-insensitively. Empty input defaults to Monday.
func ParseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue", "tues":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu", "thur", "thurs":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	}
	return time.Monday, fmt.Errorf("unknown weekday %q", name)
}

// braceGroups returns the {…} groups of pattern in order: full matches plus
// the name and optional :suffix of each.
type braceGroup struct {
	full   string // "{today:YYYYMMDD}"
	name   string // "today"
	suffix string // "YYYYMMDD", "" when absent
}

func braceGroupsOf(pattern string) []braceGroup {
	var groups []braceGroup
	for i := 0; i < len(pattern); {
		open := strings.IndexByte(pattern[i:], '{')
		if open < 0 {
			break
		}
		open += i
		end := strings.IndexByte(pattern[open:], '}')
		if end < 0 {
			break
		}
		end += open
		inner := pattern[open+1 : end]
		g := braceGroup{full: pattern[open : end+1], name: inner}
		if colon := strings.IndexByte(inner, ':'); colon >= 0 {
			g.name = inner[:colon]
			g.suffix = inner[colon+1:]
		}
		groups = append(groups, g)
		i = end + 1
	}
	return groups
}

// IsCollectionToken reports whether name is {latest} or {pending}.
func IsCollectionToken(name string) bool {
	return name == "latest" || name == "pending"
}

// HasPendingToken reports whether the pattern contains a {pending} token.
// Callers use it to decide whether a step consumed pending state.
func HasPendingToken(pattern string) bool {
	for _, g := range braceGroupsOf(pattern) {
		if g.name == "pending" {
			return true
		}
	}
	return false
}

// HasCollectionToken reports whether the pattern expands to a file set.
func HasCollectionToken(pattern string) bool {
	for _, g := range braceGroupsOf(pattern) {
		if IsCollectionToken(g.name) {
			return true
		}
	}
	return false
}

// IsLiteral reports whether the pattern contains no tokens and no glob: a
// plain relative path.
func IsLiteral(pattern string) bool {
	return len(braceGroupsOf(pattern)) == 0 && !strings.Contains(pattern, "*")
}

// ResolveSingle expands the date tokens of pattern into a single string.
// Collection tokens and unknown tokens are errors: output paths and headers
// must resolve deterministically.
func ResolveSingle(pattern string, ref time.Time, weekStart time.Weekday) (string, error) {
	result := pattern
	for _, g := range braceGroupsOf(pattern) {
		if IsCollectionToken(g.name) {
			return "", resolutionErr(pattern, "collection token {%s} is only valid in @input file: patterns", g.name)
		}
		tok, ok := dateTokens[g.name]
		if !ok {
			return "", resolutionErr(pattern, "unknown token {%s}", g.name)
		}
		format := g.suffix
		if format == "" {
			format = tok.defaultFormat
		}
		rendered := applyFormat(tok.resolve(ref, weekStart), format)
		result = strings.Replace(result, g.full, rendered, 1)
	}
	return result, nil
}

// expandDateTokens is ResolveSingle that leaves collection tokens in place,
// for ResolveMany to interpret afterwards.
func expandDateTokens(pattern string, ref time.Time, weekStart time.Weekday) (string, error) {
	result := pattern
	for _, g := range braceGroupsOf(pattern) {
		if IsCollectionToken(g.name) {
			continue
		}
		tok, ok := dateTokens[g.name]
		if !ok {
			return "", resolutionErr(pattern, "unknown token {%s}", g.name)
		}
		format := g.suffix
		if format == "" {
			format = tok.defaultFormat
		}
		rendered := applyFormat(tok.resolve(ref, weekStart), format)
		result = strings.Replace(result, g.full, rendered, 1)
	}
	return result, nil
}

// ValidateRelPath rejects the path shapes patterns must never reach:
// absolute paths, parent traversal, and recursive globs.
func ValidateRelPath(pattern, p string) error {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return resolutionErr(pattern, "absolute paths are not allowed")
	}
	if strings.Contains(p, "**") {
		return resolutionErr(pattern, "recursive glob ** is not allowed")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return resolutionErr(pattern, "parent traversal .. is not allowed")
		}
	}
	return nil
}
