// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// Document is the raw parse result of one markdown file: a frontmatter
// key/value map and the ordered ## sections.
type Document struct {
	Frontmatter map[string]string
	Sections    []Section
}

var sectionRe = regexp.MustCompile(`^##\s+(.+)$`)

// Canonicalize normalizes file content for parsing and hashing: line
// endings become LF, trailing whitespace is trimmed per line, and the file
// ends with exactly one newline. Rendering a parsed workflow back to disk
// and re-parsing it yields the same canonical form.
func Canonicalize(content []byte) string {
	s := strings.ReplaceAll(string(content), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

// SourceHash returns the sha256 of the canonicalized content. The hash
// keys the loader cache, the directive parse cache, and scheduler job
// diffing.
func SourceHash(content []byte) string {
	return patterns.HashContent([]byte(Canonicalize(content)))
}

// Parse splits markdown content into frontmatter and ## sections.
//
// Frontmatter is delimited by --- lines at the top of the file and holds
// key: value pairs; enclosing matched quotes are stripped from values and
// unknown keys are preserved. Sections start at ## headings and run until
// the next ## or EOF. With requireFrontmatter false and no leading ---,
// the whole file is treated as sections.
func Parse(content []byte, requireFrontmatter bool) (*Document, error) {
	lines := strings.Split(Canonicalize(content), "\n")
	doc := &Document{Frontmatter: make(map[string]string)}

	i := 0
	switch {
	case len(lines) > 0 && strings.TrimSpace(lines[0]) == "---":
		end := -1
		for j := 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "---" {
				end = j
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated frontmatter: missing closing ---")
		}
		for _, line := range lines[1:end] {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			key, value, ok := strings.Cut(trimmed, ":")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			doc.Frontmatter[key] = unquote(strings.TrimSpace(value))
		}
		i = end + 1
	case requireFrontmatter:
		return nil, fmt.Errorf("missing frontmatter: expected leading ---")
	}

	var cur *Section
	var body []string
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.Trim(strings.Join(body, "\n"), "\n")
		doc.Sections = append(doc.Sections, *cur)
	}
	for ; i < len(lines); i++ {
		if m := sectionRe.FindStringSubmatch(lines[i]); m != nil {
			flush()
			cur = &Section{Index: len(doc.Sections), Name: strings.TrimSpace(m[1])}
			body = body[:0]
			continue
		}
		if cur != nil {
			body = append(body, lines[i])
		}
	}
	flush()

	return doc, nil
}

// unquote strips one pair of matched enclosing quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
