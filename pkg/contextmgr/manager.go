// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/buffers"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/directive"
	"github.com/assistantmd/assistantmd/pkg/patterns"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// SummaryPrefix marks injected system messages so clients and tests can
// tell them apart from the chat agent's own instructions.
const SummaryPrefix = "Context summary (compiled): "

// ProviderSource resolves model aliases. *factory.ProviderFactory is the
// production implementation.
type ProviderSource interface {
	Provider(alias string) (types.LLMProvider, error)
	ProviderWithThinking(alias string, thinking bool) (types.LLMProvider, error)
}

// Recorder receives context-section activity events.
type Recorder interface {
	Emit(r activity.Record)
}

// Config wires a Manager.
type Config struct {
	Providers ProviderSource
	Registry  *tools.Registry
	Settings  *config.Settings
	Secrets   *config.Secrets
	Cache     *Cache
	Summaries *SummaryStore

	// Activity may be nil; events are then dropped.
	Activity Recorder

	Logger *zap.Logger
}

// Manager reshapes chat history per the selected context template: it
// compiles per-section summaries (cached, model-backed) and injects them
// as system messages ahead of the passthrough slice.
type Manager struct {
	providers ProviderSource
	registry  *tools.Registry
	settings  *config.Settings
	secrets   *config.Secrets
	cache     *Cache
	summaries *SummaryStore
	activity  Recorder
	logger    *zap.Logger
	counter   *TokenCounter
	weekStart time.Weekday

	// turnMu guards turnResults, the per-turn idempotency memo: provider
	// retries of one chat turn must not invoke the manager twice.
	turnMu      sync.Mutex
	turnResults map[string]turnMemo
}

type turnMemo struct {
	key      string
	messages []types.Message
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secrets store is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Summaries == nil {
		return nil, fmt.Errorf("summary store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	weekStart, err := patterns.ParseWeekday(cfg.Settings.Defaults.WeekStartDay)
	if err != nil {
		return nil, fmt.Errorf("defaults.week_start_day: %w", err)
	}

	return &Manager{
		providers:   cfg.Providers,
		registry:    cfg.Registry,
		settings:    cfg.Settings,
		secrets:     cfg.Secrets,
		cache:       cfg.Cache,
		summaries:   cfg.Summaries,
		activity:    cfg.Activity,
		logger:      cfg.Logger,
		counter:     GetTokenCounter(),
		weekStart:   weekStart,
		turnResults: make(map[string]turnMemo),
	}, nil
}

// Turn is the input to one Process call.
type Turn struct {
	SessionID string
	Vault     string
	VaultRoot string

	// Template may be nil: the history passes through unreshaped.
	Template *Template

	// History is the session's prior messages, latest input excluded.
	History []types.Message

	// LatestInput is the user message that started this turn.
	LatestInput string

	// Buffers is shared with the chat turn; nil allocates a fresh store.
	Buffers *buffers.Store

	// ReferenceDate defaults to now.
	ReferenceDate time.Time
}

// Process runs the template's context steps and returns the reshaped
// history: injected summary system messages first, then the passthrough
// slice. Section failures are fail-open; Process itself only errors on a
// cancelled context.
func (m *Manager) Process(ctx context.Context, turn Turn) ([]types.Message, error) {
	if turn.ReferenceDate.IsZero() {
		turn.ReferenceDate = time.Now()
	}
	if turn.Buffers == nil {
		turn.Buffers = buffers.NewStore()
	}

	passthrough := m.passthroughSlice(turn)
	if turn.Template == nil || len(turn.Template.Steps) == 0 {
		return passthrough, nil
	}

	// One chat turn may reach Process more than once when the provider
	// layer retries; replay the memoized result instead of re-invoking.
	memoKey := m.turnKey(turn)
	m.turnMu.Lock()
	if memo, ok := m.turnResults[turn.SessionID]; ok && memo.key == memoKey {
		m.turnMu.Unlock()
		return memo.messages, nil
	}
	m.turnMu.Unlock()

	historyTokens := m.counter.EstimateHistoryTokens(turn.History) +
		m.counter.CountTokens(turn.LatestInput)

	var injected []types.Message
	for i := range turn.Template.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := &turn.Template.Steps[i]
		summary, outcome := m.runSection(ctx, turn, step, historyTokens)
		m.emit(activity.Record{
			Event:      activity.ContextSection,
			WorkflowID: turn.Template.Name,
			RunID:      turn.SessionID,
			Step:       step.Name,
			Outcome:    outcome,
		})
		if summary == "" {
			continue
		}
		injected = append(injected, types.Message{
			Role:      types.RoleSystem,
			Content:   SummaryPrefix + summary,
			Timestamp: time.Now(),
		})
	}

	reshaped := append(injected, passthrough...)

	m.turnMu.Lock()
	m.turnResults[turn.SessionID] = turnMemo{key: memoKey, messages: reshaped}
	m.turnMu.Unlock()

	return reshaped, nil
}

// runSection executes one context step. The returned outcome is an
// activity label: compiled, cached, skipped, or failed. Failures are
// logged and produce no summary (fail-open).
func (m *Manager) runSection(ctx context.Context, turn Turn, step *workflow.Section, historyTokens int) (string, string) {
	dm, body, err := directive.ParseBlock(step.Name, step.Body)
	if err != nil {
		m.logger.Warn("Context section has invalid directives",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.Error(err))
		return "", "failed"
	}

	threshold := m.settings.Defaults.TokenThreshold
	if dm.TokenThreshold != nil {
		threshold = *dm.TokenThreshold
	}
	if threshold > 0 && historyTokens < threshold {
		return "", "skipped"
	}

	key := CacheKey{
		Vault:        turn.Vault,
		TemplatePath: turn.Template.Path,
		SectionIndex: step.Index,
		SectionName:  step.Name,
		TemplateHash: turn.Template.SourceHash,
	}
	if dm.Cache != nil {
		if entry, ok := m.cache.Get(ctx, key); ok {
			return entry.Summary, "cached"
		}
	}

	prompt, payload, err := m.renderPrompt(ctx, turn, dm, step.Name, body)
	if err != nil {
		m.logger.Warn("Context section prompt failed",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.Error(err))
		return "", "failed"
	}

	alias, provider, err := m.providerFor(dm)
	if err != nil {
		m.logger.Warn("Context section model unavailable",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.Error(err))
		return "", "failed"
	}
	toolset := m.toolsetFor(dm)

	callCtx, cancel := context.WithTimeout(ctx, m.settings.APITimeout())
	resp, err := provider.Chat(callCtx, []types.Message{{
		Role:      types.RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	}}, toolset)
	cancel()
	if err != nil {
		m.logger.Warn("Context section model call failed",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.String("model", alias),
			zap.Error(err))
		return "", "failed"
	}
	summary := strings.TrimSpace(resp.Content)

	if dm.Cache != nil {
		m.cache.Put(ctx, key, CacheEntry{
			Summary:   summary,
			ExpiresAt: dm.Cache.ExpiresAt(time.Now()),
		})
		// Writes are the rare path, so expired rows are swept here rather
		// than on every read.
		m.cache.Prune(ctx)
	}

	record := &SummaryRecord{
		SessionID:      turn.SessionID,
		SectionIndex:   step.Index,
		SectionName:    step.Name,
		TemplateHash:   turn.Template.SourceHash,
		ModelAlias:     alias,
		InputPayload:   payload,
		RenderedPrompt: prompt,
		RawOutput:      summary,
		CreatedAt:      time.Now(),
	}
	if err := m.summaries.Save(ctx, record); err != nil {
		m.logger.Warn("Failed to persist context summary",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.Error(err))
	}

	if err := m.routeOutput(turn, dm, summary); err != nil {
		m.logger.Warn("Failed to route context section output",
			zap.String("session_id", turn.SessionID),
			zap.String("section", step.Name),
			zap.Error(err))
	}

	return summary, "compiled"
}

// renderPrompt builds the manager prompt for one section: context
// instructions, prior summaries, the section body with its file and
// variable inputs, the recent conversation window, and the latest input.
func (m *Manager) renderPrompt(ctx context.Context, turn Turn, dm *directive.Map, sectionName, body string) (prompt, payload string, err error) {
	recentRuns := m.settings.Defaults.RecentRuns
	if dm.RecentRuns != nil {
		recentRuns = *dm.RecentRuns
	}
	recentSummaries := m.settings.Defaults.RecentSummaries
	if dm.RecentSummaries != nil {
		recentSummaries = *dm.RecentSummaries
	}

	var parts []string
	if turn.Template.ContextInstructions != "" {
		parts = append(parts, turn.Template.ContextInstructions)
	}

	if recentSummaries > 0 {
		prior, err := m.summaries.Recent(ctx, turn.SessionID, sectionName, recentSummaries)
		if err != nil {
			return "", "", err
		}
		if len(prior) > 0 {
			lines := []string{"## Prior summaries"}
			for _, r := range prior {
				lines = append(lines, "- "+r.RawOutput)
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}

	if trimmed := strings.TrimSpace(body); trimmed != "" {
		parts = append(parts, trimmed)
	}

	for _, in := range dm.Inputs {
		block, err := m.resolveInput(turn, in)
		if err != nil {
			return "", "", err
		}
		if block != "" {
			parts = append(parts, block)
		}
	}

	var recent []string
	if recentRuns > 0 {
		recent = renderRecentTurns(turn.History, recentRuns)
		if len(recent) > 0 {
			parts = append(parts, "## Recent conversation\n"+strings.Join(recent, "\n"))
		}
	}

	parts = append(parts, "## Latest user input\n"+turn.LatestInput)

	raw, _ := json.Marshal(map[string]any{
		"recent_runs":      recentRuns,
		"recent_summaries": recentSummaries,
		"latest_input":     turn.LatestInput,
		"recent_turns":     recent,
	})

	return strings.Join(parts, "\n\n"), string(raw), nil
}

// resolveInput expands one @input directive for a context step. Pending
// patterns are not supported here; context steps read what is, they do not
// consume.
func (m *Manager) resolveInput(turn Turn, in directive.InputRef) (string, error) {
	switch in.Scheme {
	case directive.SchemeVariable:
		text, ok := turn.Buffers.Get(in.Target)
		if !ok && in.Required {
			return "", fmt.Errorf("required buffer %q is unset", in.Target)
		}
		return "### " + in.Target + "\n\n" + strings.TrimSpace(text), nil

	case directive.SchemeFile:
		if patterns.HasPendingToken(in.Target) {
			return "", fmt.Errorf("{pending} is not supported in context templates")
		}
		hits, err := patterns.ResolveMany(in.Target, patterns.ResolveOptions{
			VaultRoot:     turn.VaultRoot,
			ReferenceDate: turn.ReferenceDate,
			WeekStartDay:  m.weekStart,
			LatestCap:     m.settings.Defaults.LatestCap,
		})
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			if in.Required {
				return "", fmt.Errorf("required input %q matched nothing", in.Target)
			}
			return "", nil
		}
		var blocks []string
		for _, h := range hits {
			if in.RefsOnly {
				blocks = append(blocks, "- "+h.RelPath)
				continue
			}
			content, err := os.ReadFile(h.AbsPath)
			if err != nil {
				return "", fmt.Errorf("failed to read input %s: %w", h.RelPath, err)
			}
			blocks = append(blocks, "### "+h.RelPath+"\n\n"+strings.TrimSpace(string(content)))
		}
		return strings.Join(blocks, "\n\n"), nil

	default:
		return "", fmt.Errorf("unsupported input scheme %q", in.Scheme)
	}
}

// routeOutput delivers a section's summary per its @output directive. The
// injected system message happens regardless; this is the optional extra
// copy into a buffer or vault file.
func (m *Manager) routeOutput(turn Turn, dm *directive.Map, summary string) error {
	out := dm.Output
	if out == nil {
		return nil
	}

	switch out.Scheme {
	case directive.SchemeVariable:
		if dm.WriteMode == directive.WriteReplace {
			turn.Buffers.Set(out.Target, summary)
		} else {
			turn.Buffers.Append(out.Target, summary)
		}
		return nil

	case directive.SchemeFile:
		resolved, err := patterns.ResolveSingle(out.Target, turn.ReferenceDate, m.weekStart)
		if err != nil {
			return err
		}
		rel := directive.NormalizeOutputPath(resolved)
		if err := patterns.ValidateRelPath(out.Target, rel); err != nil {
			return err
		}
		abs := filepath.Join(turn.VaultRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		content := summary
		if dm.Header != "" {
			header, err := patterns.ResolveSingle(dm.Header, turn.ReferenceDate, m.weekStart)
			if err != nil {
				return fmt.Errorf("failed to resolve header: %w", err)
			}
			content = "# " + header + "\n\n" + content
		}

		if dm.WriteMode == directive.WriteAppend {
			existing, err := os.ReadFile(abs)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to read %s: %w", rel, err)
			}
			if len(existing) > 0 {
				content = strings.TrimRight(string(existing), "\n") + "\n\n" + content
			}
		}
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		tmp, err := os.CreateTemp(filepath.Dir(abs), ".assistantmd-*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to close temp file: %w", err)
		}
		return os.Rename(tmp.Name(), abs)

	default:
		return fmt.Errorf("unsupported output scheme %q", out.Scheme)
	}
}

// passthroughSlice returns the suffix of the history the chat agent sees
// verbatim. The slice boundary is always a user message, so a tool-call/
// tool-result pair can never be cut apart or separated from its assistant
// turn.
func (m *Manager) passthroughSlice(turn Turn) []types.Message {
	n, all := m.settings.PassthroughRunCount()
	if turn.Template != nil {
		if p := templatePassthrough(turn.Template); p != nil {
			n, all = p.N, p.All
		}
	}
	if all {
		return turn.History
	}
	if n == 0 {
		return nil
	}

	users := 0
	for i := len(turn.History) - 1; i >= 0; i-- {
		if turn.History[i].Role == types.RoleUser {
			users++
			if users == n {
				return turn.History[i:]
			}
		}
	}
	return turn.History
}

// templatePassthrough finds the template's @passthrough-runs override, if
// any step declares one. The last declaration wins.
func templatePassthrough(t *Template) *directive.Passthrough {
	var found *directive.Passthrough
	for i := range t.Steps {
		dm, _, err := directive.ParseBlock(t.Steps[i].Name, t.Steps[i].Body)
		if err != nil {
			continue
		}
		if dm.Passthrough != nil {
			found = dm.Passthrough
		}
	}
	return found
}

// renderRecentTurns renders the last n non-tool turns for the manager
// prompt. Tool results and tool-calling assistant interludes are internal
// plumbing; the manager summarizes what the user and assistant said.
func renderRecentTurns(history []types.Message, n int) []string {
	var turns []string
	for i := len(history) - 1; i >= 0 && len(turns) < n; i-- {
		msg := history[i]
		if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
			continue
		}
		if msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0 && msg.Content == "" {
			continue
		}
		label := "User"
		if msg.Role == types.RoleAssistant {
			label = "Assistant"
		}
		turns = append(turns, label+": "+msg.Content)
	}
	// Reverse back to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// providerFor resolves the section's model alias, falling back to the
// default model.
func (m *Manager) providerFor(dm *directive.Map) (string, types.LLMProvider, error) {
	alias := dm.Model
	if alias == "" {
		alias = m.settings.Defaults.Model
	}
	if alias == "" {
		return "", nil, fmt.Errorf("no model alias: add @model to the section or set defaults.model")
	}
	var provider types.LLMProvider
	var err error
	if dm.ModelThinking {
		provider, err = m.providers.ProviderWithThinking(alias, true)
	} else {
		provider, err = m.providers.Provider(alias)
	}
	return alias, provider, err
}

// toolsetFor applies the section's @tools selection, filtered to tools
// that are configured with their secrets available.
func (m *Manager) toolsetFor(dm *directive.Map) []tools.Tool {
	sel := dm.Tools
	if sel == nil || sel.None {
		return nil
	}
	var selected []tools.Tool
	if sel.All {
		selected = m.registry.ListTools()
	} else {
		selected, _ = m.registry.Select(sel.Names)
	}
	available := make([]tools.Tool, 0, len(selected))
	for _, t := range selected {
		cfg, ok := m.settings.Tools[t.Name()]
		if !ok || !cfg.Enabled {
			continue
		}
		if cfg.Secret != "" && !m.secrets.Available(cfg.Secret) {
			continue
		}
		available = append(available, t)
	}
	return available
}

// turnKey fingerprints one chat turn for the retry memo.
func (m *Manager) turnKey(turn Turn) string {
	h := sha256.Sum256([]byte(turn.LatestInput))
	hash := ""
	if turn.Template != nil {
		hash = turn.Template.SourceHash
	}
	return fmt.Sprintf("%s|%s|%d", hex.EncodeToString(h[:]), hash, len(turn.History))
}

func (m *Manager) emit(r activity.Record) {
	if m.activity != nil {
		m.activity.Emit(r)
	}
}
