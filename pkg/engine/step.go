// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/assistantmd/assistantmd/pkg/directive"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// runStep executes one section. A nil error with a skipped outcome means
// the step decided not to run; an error means it tried and failed.
func (e *Engine) runStep(ctx context.Context, rc *runContext, sec *workflow.Section) (stepOutcome, error) {
	dm, body, err := rc.workflow.Step(sec.Index)
	if err != nil {
		return stepOutcome{}, err
	}

	if !dm.RunOn.Matches(rc.refDate.Weekday()) {
		return skip(fmt.Sprintf("run-on does not include %s", strings.ToLower(rc.refDate.Weekday().String()))), nil
	}

	prompt, pending, outcome, err := e.resolveInputs(ctx, rc, dm, body)
	if err != nil {
		return stepOutcome{}, err
	}
	if outcome.skipped {
		return outcome, nil
	}
	if strings.TrimSpace(prompt) == "" {
		return skip("section has no body and no inputs"), nil
	}

	provider, err := e.providerFor(dm)
	if err != nil {
		return stepOutcome{}, err
	}

	toolset, err := e.toolsetFor(dm)
	if err != nil {
		return stepOutcome{}, err
	}

	content, err := e.converse(ctx, provider, prompt, toolset)
	if err != nil {
		return stepOutcome{}, err
	}

	if err := e.routeOutput(rc, dm, content); err != nil {
		return stepOutcome{}, err
	}

	// Consumption is recorded only after the output lands: a failed step
	// leaves its pending files pending.
	for _, batch := range pending {
		if err := e.fileState.RecordConsumed(ctx, rc.workflow.GlobalID, batch.pattern, batch.files); err != nil {
			return stepOutcome{}, err
		}
	}
	return stepOutcome{}, nil
}

// providerFor resolves the step's model alias, falling back to
// defaults.model. The factory's error names the missing secret when that
// is what stands in the way.
func (e *Engine) providerFor(dm *directive.Map) (types.LLMProvider, error) {
	alias := dm.Model
	if alias == "" {
		alias = e.settings.Defaults.Model
	}
	if alias == "" {
		return nil, fmt.Errorf("no model alias: add @model to the section or set defaults.model")
	}
	if dm.ModelThinking {
		return e.factory.ProviderWithThinking(alias, true)
	}
	return e.factory.Provider(alias)
}

// toolsetFor applies the @tools selection. Names that are not registered
// fail the step; registered tools that are unconfigured or missing their
// secret are filtered out silently, matching how the status surface lists
// them as unavailable.
func (e *Engine) toolsetFor(dm *directive.Map) ([]tools.Tool, error) {
	sel := dm.Tools
	if sel == nil || sel.None {
		return nil, nil
	}

	var selected []tools.Tool
	if sel.All {
		selected = e.registry.ListTools()
	} else {
		var unknown []string
		selected, unknown = e.registry.Select(sel.Names)
		if len(unknown) > 0 {
			return nil, fmt.Errorf("unknown tools: %s", strings.Join(unknown, ", "))
		}
	}

	available := make([]tools.Tool, 0, len(selected))
	for _, t := range selected {
		if e.toolAvailable(t.Name()) {
			available = append(available, t)
		}
	}
	return available, nil
}

func (e *Engine) toolAvailable(name string) bool {
	cfg, ok := e.settings.Tools[name]
	if !ok || !cfg.Enabled {
		return false
	}
	return cfg.Secret == "" || e.secrets.Available(cfg.Secret)
}
