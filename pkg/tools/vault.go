// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/assistantmd/assistantmd/pkg/patterns"
)

// MaxVaultReadSize is the maximum file size vault_read_file will return.
const MaxVaultReadSize = 10 * 1024 * 1024

// VaultBuiltins returns the built-in tools bound to one vault. Callers gate
// the returned set with the tool settings before registering.
func VaultBuiltins(vaultRoot string) []Tool {
	return []Tool{
		NewVaultReadTool(vaultRoot),
		NewVaultListTool(vaultRoot),
		NewVaultWriteTool(vaultRoot),
		NewDatetimeTool(),
	}
}

// vaultPath resolves a vault-relative path, rejecting absolute paths and
// parent traversal.
func vaultPath(vaultRoot, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := patterns.ValidateRelPath(rel, rel); err != nil {
		return "", err
	}
	return filepath.Join(vaultRoot, filepath.FromSlash(rel)), nil
}

func unsafePathResult(rel string, err error) *Result {
	return &Result{
		Success: false,
		Error: &Error{
			Code:       "unsafe_path",
			Message:    fmt.Sprintf("cannot access %q: %v", rel, err),
			Suggestion: "Use a path relative to the vault root, without .. segments",
		},
	}
}

// VaultReadTool reads a file from the current vault.
type VaultReadTool struct {
	vaultRoot string
}

// NewVaultReadTool creates a vault_read_file tool bound to vaultRoot.
func NewVaultReadTool(vaultRoot string) *VaultReadTool {
	return &VaultReadTool{vaultRoot: vaultRoot}
}

func (t *VaultReadTool) Name() string {
	return "vault_read_file"
}

func (t *VaultReadTool) Description() string {
	return `Reads a file from the vault. Use this to look up notes the prompt did not already include.

The path is relative to the vault root, e.g. 'Journal/2026-02-10.md'.`
}

func (t *VaultReadTool) InputSchema() *JSONSchema {
	return NewObjectSchema(
		"Parameters for reading a vault file",
		map[string]*JSONSchema{
			"path": NewStringSchema("Vault-relative file path to read (required)"),
		},
		[]string{"path"},
	)
}

func (t *VaultReadTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	rel, _ := params["path"].(string)

	abs, err := vaultPath(t.vaultRoot, rel)
	if err != nil {
		return unsafePathResult(rel, err), nil
	}

	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return &Result{
			Success: false,
			Error: &Error{
				Code:       "file_not_found",
				Message:    fmt.Sprintf("file not found: %s", rel),
				Suggestion: "Use vault_list_files to see what exists",
			},
		}, nil
	}
	if err != nil {
		return &Result{
			Success: false,
			Error:   &Error{Code: "stat_failed", Message: err.Error()},
		}, nil
	}
	if info.IsDir() {
		return &Result{
			Success: false,
			Error: &Error{
				Code:       "is_directory",
				Message:    fmt.Sprintf("path is a directory, not a file: %s", rel),
				Suggestion: "Use vault_list_files to list a directory",
			},
		}, nil
	}
	if info.Size() > MaxVaultReadSize {
		return &Result{
			Success: false,
			Error: &Error{
				Code:    "file_too_large",
				Message: fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), MaxVaultReadSize),
			},
		}, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return &Result{
			Success: false,
			Error:   &Error{Code: "read_failed", Message: err.Error()},
		}, nil
	}

	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"path":        rel,
			"content":     string(data),
			"size_bytes":  info.Size(),
			"modified_at": info.ModTime().Format(time.RFC3339),
		},
	}, nil
}

// VaultListTool lists files in a vault directory.
type VaultListTool struct {
	vaultRoot string
}

// NewVaultListTool creates a vault_list_files tool bound to vaultRoot.
func NewVaultListTool(vaultRoot string) *VaultListTool {
	return &VaultListTool{vaultRoot: vaultRoot}
}

func (t *VaultListTool) Name() string {
	return "vault_list_files"
}

func (t *VaultListTool) Description() string {
	return `Lists files in a vault directory. Hidden files are skipped.

Pass an empty dir to list the vault root. Set recursive to walk subdirectories.`
}

func (t *VaultListTool) InputSchema() *JSONSchema {
	return NewObjectSchema(
		"Parameters for listing vault files",
		map[string]*JSONSchema{
			"dir":       NewStringSchema("Vault-relative directory to list (default: vault root)"),
			"recursive": NewBooleanSchema("Walk subdirectories (default: false)").WithDefault(false),
		},
		nil,
	)
}

func (t *VaultListTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	rel, _ := params["dir"].(string)
	recursive, _ := params["recursive"].(bool)

	abs := t.vaultRoot
	if rel != "" {
		var err error
		abs, err = vaultPath(t.vaultRoot, rel)
		if err != nil {
			return unsafePathResult(rel, err), nil
		}
	}

	var files []map[string]interface{}
	add := func(relPath string, info fs.FileInfo) {
		files = append(files, map[string]interface{}{
			"path":        relPath,
			"size_bytes":  info.Size(),
			"modified_at": info.ModTime().Format(time.RFC3339),
		})
	}

	if recursive {
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			relPath, err := filepath.Rel(t.vaultRoot, p)
			if err != nil {
				return err
			}
			add(filepath.ToSlash(relPath), info)
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return &Result{
				Success: false,
				Error:   &Error{Code: "list_failed", Message: err.Error()},
			}, nil
		}
	} else {
		entries, err := os.ReadDir(abs)
		if err != nil && !os.IsNotExist(err) {
			return &Result{
				Success: false,
				Error:   &Error{Code: "list_failed", Message: err.Error()},
			}, nil
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			relPath := entry.Name()
			if rel != "" {
				relPath = rel + "/" + relPath
			}
			add(relPath, info)
		}
	}

	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"dir":   rel,
			"files": files,
			"count": len(files),
		},
	}, nil
}

// VaultWriteTool writes a file into the current vault.
type VaultWriteTool struct {
	vaultRoot string
}

// NewVaultWriteTool creates a vault_write_file tool bound to vaultRoot.
func NewVaultWriteTool(vaultRoot string) *VaultWriteTool {
	return &VaultWriteTool{vaultRoot: vaultRoot}
}

func (t *VaultWriteTool) Name() string {
	return "vault_write_file"
}

func (t *VaultWriteTool) Description() string {
	return `Writes content to a vault file. Parent directories are created as needed.

mode 'append' adds to the end of an existing file; 'overwrite' replaces it.`
}

func (t *VaultWriteTool) InputSchema() *JSONSchema {
	return NewObjectSchema(
		"Parameters for writing a vault file",
		map[string]*JSONSchema{
			"path":    NewStringSchema("Vault-relative file path to write (required)"),
			"content": NewStringSchema("Content to write (required)"),
			"mode": NewStringSchema("Write mode: 'append' (default) or 'overwrite'").
				WithEnum("append", "overwrite").
				WithDefault("append"),
		},
		[]string{"path", "content"},
	)
}

func (t *VaultWriteTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	rel, _ := params["path"].(string)
	content, ok := params["content"].(string)
	if !ok {
		return &Result{
			Success: false,
			Error:   &Error{Code: "invalid_arguments", Message: "content is required"},
		}, nil
	}
	mode := "append"
	if m, ok := params["mode"].(string); ok && m != "" {
		mode = m
	}

	abs, err := vaultPath(t.vaultRoot, rel)
	if err != nil {
		return unsafePathResult(rel, err), nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &Result{
			Success: false,
			Error:   &Error{Code: "write_failed", Message: err.Error()},
		}, nil
	}

	_, statErr := os.Stat(abs)
	created := os.IsNotExist(statErr)

	var written int
	switch mode {
	case "append":
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return &Result{
				Success: false,
				Error:   &Error{Code: "write_failed", Message: err.Error()},
			}, nil
		}
		written, err = f.WriteString(content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return &Result{
				Success: false,
				Error:   &Error{Code: "write_failed", Message: err.Error()},
			}, nil
		}
	case "overwrite":
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return &Result{
				Success: false,
				Error:   &Error{Code: "write_failed", Message: err.Error()},
			}, nil
		}
		written = len(content)
	default:
		return &Result{
			Success: false,
			Error: &Error{
				Code:       "invalid_arguments",
				Message:    fmt.Sprintf("unknown mode %q", mode),
				Suggestion: "Use 'append' or 'overwrite'",
			},
		}, nil
	}

	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"path":          rel,
			"bytes_written": written,
			"mode":          mode,
			"created":       created,
		},
	}, nil
}

// DatetimeTool reports the current date and time. Models have no clock;
// workflows that stamp entries need one.
type DatetimeTool struct {
	// now is replaceable for tests.
	now func() time.Time
}

// NewDatetimeTool creates a current_datetime tool.
func NewDatetimeTool() *DatetimeTool {
	return &DatetimeTool{now: time.Now}
}

func (t *DatetimeTool) Name() string {
	return "current_datetime"
}

func (t *DatetimeTool) Description() string {
	return "Returns the current date and time, including the weekday."
}

func (t *DatetimeTool) InputSchema() *JSONSchema {
	return NewObjectSchema("No parameters", map[string]*JSONSchema{}, nil)
}

func (t *DatetimeTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	now := t.now()
	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"datetime": now.Format(time.RFC3339),
			"date":     now.Format("2006-01-02"),
			"time":     now.Format("15:04:05"),
			"weekday":  now.Weekday().String(),
			"unix":     now.Unix(),
		},
	}, nil
}
