// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"fmt"
	"time"
)

// Executor executes tools with argument validation, timing, and error
// wrapping. Tool-level failures come back as unsuccessful Results so the
// model can read the error and retry; only infrastructure failures (tool
// not found) surface as Go errors.
type Executor struct {
	registry *Registry
}

// NewExecutor creates a new tool executor.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Registry returns the registry this executor draws tools from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute executes a tool by name with the given parameters.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]interface{}) (*Result, error) {
	tool, ok := e.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", toolName)
	}

	if err := ValidateArguments(tool, params); err != nil {
		return &Result{
			Success: false,
			Error: &Error{
				Code:       "invalid_arguments",
				Message:    err.Error(),
				Suggestion: "Check the tool's input schema and correct the arguments",
			},
		}, nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	duration := time.Since(start)

	if err != nil {
		return &Result{
			Success:         false,
			Error:           &Error{Code: "execution_failed", Message: err.Error()},
			ExecutionTimeMs: duration.Milliseconds(),
		}, nil
	}

	if result == nil {
		result = &Result{Success: true}
	}
	// Executor timing is authoritative.
	result.ExecutionTimeMs = duration.Milliseconds()

	return result, nil
}
