// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package directive

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// parseFunc applies one directive's arguments to the map under
// construction. line and section travel along for error reporting.
type parseFunc func(m *Map, args, line, section string) error

// parsers is the directive registry. Adding a directive means adding an
// entry here and a parse function below.
var parsers = map[string]parseFunc{
	"input":            parseInput,
	"output":           parseOutput,
	"header":           parseHeader,
	"model":            parseModel,
	"tools":            parseTools,
	"write-mode":       parseWriteMode,
	"run-on":           parseRunOn,
	"cache":            parseCache,
	"recent-runs":      parseRecentRuns,
	"recent-summaries": parseRecentSummaries,
	"token-threshold":  parseTokenThreshold,
	"passthrough-runs": parsePassthroughRuns,
}

// ParseBlock splits a section body into its directive block and prompt
// body. Directives must form a contiguous prefix: leading blank lines are
// skipped, then every line starting with @ is parsed until the first line
// that is not a directive. A malformed directive stops parsing and returns
// a *ParseError.
func ParseBlock(section, body string) (*Map, string, error) {
	m := NewMap()
	lines := strings.Split(body, "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "@") {
			break
		}
		if err := parseLine(m, line, section); err != nil {
			return nil, "", err
		}
		i++
	}

	prompt := strings.Join(lines[i:], "\n")
	prompt = strings.Trim(prompt, "\n")
	return m, prompt, nil
}

func parseLine(m *Map, line, section string) error {
	name := line[1:]
	args := ""
	if idx := strings.IndexAny(name, " \t"); idx >= 0 {
		args = strings.TrimSpace(name[idx+1:])
		name = name[:idx]
	}
	// Tolerate "@input file:..." written without a space as
	// "@input file: ..." is, splitting the name at the first colon.
	if idx := strings.Index(name, ":"); idx >= 0 {
		args = strings.TrimSpace(name[idx+1:] + " " + args)
		name = name[:idx]
	}
	name = strings.ToLower(name)

	parse, ok := parsers[name]
	if !ok {
		return &ParseError{Directive: name, Line: line, Section: section, Reason: "unknown directive"}
	}
	return parse(m, args, line, section)
}

// splitOptions separates a trailing parenthesized option group from the
// argument text: "file: notes/{today} (required, images=ignore)" returns
// "file: notes/{today}" and {"required": "true", "images": "ignore"}.
func splitOptions(args string) (string, map[string]string, error) {
	args = strings.TrimSpace(args)
	if !strings.HasSuffix(args, ")") {
		return args, nil, nil
	}
	open := strings.LastIndex(args, "(")
	if open < 0 {
		return "", nil, fmt.Errorf("unbalanced option parentheses")
	}

	opts := make(map[string]string)
	inner := args[open+1 : len(args)-1]
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var key, value string
		switch {
		case strings.Contains(part, "="):
			kv := strings.SplitN(part, "=", 2)
			key, value = strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		case strings.ContainsAny(part, " \t"):
			fields := strings.Fields(part)
			key, value = fields[0], strings.Join(fields[1:], " ")
		default:
			key, value = part, "true"
		}
		opts[strings.ToLower(key)] = value
	}
	return strings.TrimSpace(args[:open]), opts, nil
}

// splitScheme splits "file: notes/{today}" into scheme and target. The
// scheme prefix is mandatory for @input and @output.
func splitScheme(args string) (string, string, error) {
	idx := strings.Index(args, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing scheme prefix, expected file: or variable:")
	}
	scheme := strings.ToLower(strings.TrimSpace(args[:idx]))
	target := strings.TrimSpace(args[idx+1:])
	if scheme != SchemeFile && scheme != SchemeVariable {
		return "", "", fmt.Errorf("unknown scheme %q, expected file: or variable:", scheme)
	}
	if target == "" {
		return "", "", fmt.Errorf("empty %s: target", scheme)
	}
	return scheme, target, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %q", value)
}

func parseInput(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "input", Line: line, Section: section, Reason: reason}
	}

	rest, opts, err := splitOptions(args)
	if err != nil {
		return fail(err.Error())
	}
	scheme, target, err := splitScheme(rest)
	if err != nil {
		return fail(err.Error())
	}

	ref := InputRef{Scheme: scheme, Target: target, Images: ImagesAuto}
	for key, value := range opts {
		switch key {
		case "required":
			ref.Required, err = parseBool(value)
		case "refs_only":
			ref.RefsOnly, err = parseBool(value)
		case "images":
			switch strings.ToLower(value) {
			case ImagesAuto, ImagesIgnore:
				ref.Images = strings.ToLower(value)
			default:
				err = fmt.Errorf("images must be auto or ignore, got %q", value)
			}
		default:
			err = fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return fail(err.Error())
		}
	}
	if scheme == SchemeVariable && ref.RefsOnly {
		return fail("refs_only applies to file: inputs only")
	}

	m.Inputs = append(m.Inputs, ref)
	return nil
}

func parseOutput(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "output", Line: line, Section: section, Reason: reason}
	}

	rest, opts, err := splitOptions(args)
	if err != nil {
		return fail(err.Error())
	}
	scheme, target, err := splitScheme(rest)
	if err != nil {
		return fail(err.Error())
	}
	if scheme == SchemeFile {
		target = strings.ReplaceAll(target, "[[", "")
		target = strings.ReplaceAll(target, "]]", "")
		target = strings.TrimSpace(target)
		if target == "" {
			return fail("empty file: target")
		}
	}
	for key, value := range opts {
		switch key {
		case "write-mode", "mode":
			mode, err := toWriteMode(value)
			if err != nil {
				return fail(err.Error())
			}
			m.WriteMode = mode
		default:
			return fail(fmt.Sprintf("unknown option %q", key))
		}
	}

	m.Output = &OutputRef{Scheme: scheme, Target: target}
	return nil
}

func parseHeader(m *Map, args, line, section string) error {
	if strings.TrimSpace(args) == "" {
		return &ParseError{Directive: "header", Line: line, Section: section, Reason: "empty header template"}
	}
	m.Header = strings.TrimSpace(args)
	return nil
}

func parseModel(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "model", Line: line, Section: section, Reason: reason}
	}

	rest, opts, err := splitOptions(args)
	if err != nil {
		return fail(err.Error())
	}
	alias := strings.TrimSpace(rest)
	if alias == "" {
		return fail("missing model alias")
	}
	if len(strings.Fields(alias)) > 1 {
		return fail(fmt.Sprintf("model alias %q must be a single token", alias))
	}
	thinking := false
	for key, value := range opts {
		switch key {
		case "thinking":
			thinking, err = parseBool(value)
			if err != nil {
				return fail(err.Error())
			}
		default:
			return fail(fmt.Sprintf("unknown option %q", key))
		}
	}

	m.Model = alias
	m.ModelThinking = thinking
	return nil
}

// Reserved @tools words. Anything else is treated as a tool name list.
var (
	toolsAllWords  = map[string]bool{"all": true, "true": true, "yes": true, "on": true, "1": true}
	toolsNoneWords = map[string]bool{"none": true, "false": true, "no": true, "off": true, "0": true}
)

func parseTools(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "tools", Line: line, Section: section, Reason: reason}
	}

	tokens := splitList(args)
	if len(tokens) == 0 {
		return fail("missing tool list, expected names, all, or none")
	}
	if len(tokens) == 1 {
		word := strings.ToLower(tokens[0])
		if toolsAllWords[word] {
			m.Tools = &ToolSelection{All: true}
			return nil
		}
		if toolsNoneWords[word] {
			m.Tools = &ToolSelection{None: true}
			return nil
		}
	}
	for _, token := range tokens {
		word := strings.ToLower(token)
		if toolsAllWords[word] || toolsNoneWords[word] {
			return fail(fmt.Sprintf("reserved word %q cannot appear in a tool list", token))
		}
	}

	m.Tools = &ToolSelection{Names: tokens}
	return nil
}

func toWriteMode(value string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(strings.TrimSpace(value))) {
	case WriteAppend:
		return WriteAppend, nil
	case WriteNew:
		return WriteNew, nil
	case WriteReplace:
		return WriteReplace, nil
	}
	return "", fmt.Errorf("expected append, new, or replace, got %q", value)
}

func parseWriteMode(m *Map, args, line, section string) error {
	mode, err := toWriteMode(args)
	if err != nil {
		return &ParseError{Directive: "write-mode", Line: line, Section: section, Reason: err.Error()}
	}
	m.WriteMode = mode
	return nil
}

func parseRunOn(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "run-on", Line: line, Section: section, Reason: reason}
	}

	tokens := splitList(args)
	if len(tokens) == 0 {
		return fail("missing schedule, expected weekday names, daily, or never")
	}
	if len(tokens) == 1 {
		switch strings.ToLower(tokens[0]) {
		case "daily":
			m.RunOn = RunOn{Daily: true}
			return nil
		case "never":
			m.RunOn = RunOn{Never: true}
			return nil
		}
	}

	days := make(map[time.Weekday]bool, len(tokens))
	for _, token := range tokens {
		switch strings.ToLower(token) {
		case "daily", "never":
			return fail(fmt.Sprintf("%q cannot be combined with weekday names", token))
		}
		day, err := patterns.ParseWeekday(token)
		if err != nil {
			return fail(err.Error())
		}
		days[day] = true
	}

	m.RunOn = RunOn{Days: days}
	return nil
}

var cacheDurationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

func parseCache(m *Map, args, line, section string) error {
	fail := func(reason string) error {
		return &ParseError{Directive: "cache", Line: line, Section: section, Reason: reason}
	}

	arg := strings.ToLower(strings.TrimSpace(args))
	switch arg {
	case "":
		return fail("missing cache duration")
	case "session":
		m.Cache = &CacheSpec{Scope: CacheSession}
		return nil
	case "daily":
		m.Cache = &CacheSpec{Scope: CacheDaily}
		return nil
	case "weekly":
		m.Cache = &CacheSpec{Scope: CacheWeekly}
		return nil
	}

	match := cacheDurationRe.FindStringSubmatch(arg)
	if match == nil {
		return fail(fmt.Sprintf("expected N{s|m|h|d}, session, daily, or weekly, got %q", args))
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return fail(err.Error())
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[match[2]]

	m.Cache = &CacheSpec{Scope: CacheDuration, TTL: time.Duration(n) * unit}
	return nil
}

func parseCount(directive, args, line, section string) (*int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 0 {
		return nil, &ParseError{
			Directive: directive,
			Line:      line,
			Section:   section,
			Reason:    fmt.Sprintf("expected a non-negative integer, got %q", args),
		}
	}
	return &n, nil
}

func parseRecentRuns(m *Map, args, line, section string) error {
	n, err := parseCount("recent-runs", args, line, section)
	if err != nil {
		return err
	}
	m.RecentRuns = n
	return nil
}

func parseRecentSummaries(m *Map, args, line, section string) error {
	n, err := parseCount("recent-summaries", args, line, section)
	if err != nil {
		return err
	}
	m.RecentSummaries = n
	return nil
}

func parseTokenThreshold(m *Map, args, line, section string) error {
	n, err := parseCount("token-threshold", args, line, section)
	if err != nil {
		return err
	}
	m.TokenThreshold = n
	return nil
}

func parsePassthroughRuns(m *Map, args, line, section string) error {
	if strings.EqualFold(strings.TrimSpace(args), "all") {
		m.Passthrough = &Passthrough{All: true}
		return nil
	}
	n, err := parseCount("passthrough-runs", args, line, section)
	if err != nil {
		return err
	}
	m.Passthrough = &Passthrough{N: *n}
	return nil
}

// splitList splits a comma or whitespace separated token list.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
