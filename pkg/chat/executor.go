// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/buffers"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/contextmgr"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/types"
)

// baseInstructions is the chat agent's standing system prompt; template
// Chat Instructions are appended below it.
const baseInstructions = "You are AssistantMD, an assistant working over the user's markdown vault. " +
	"Answer from the provided context and tool results; say so when you do not know."

// maxChatTurns bounds one turn's tool conversation.
const maxChatTurns = 10

// Recorder receives chat activity events.
type Recorder interface {
	Emit(r activity.Record)
}

// Request is one chat turn from the API layer.
type Request struct {
	// SessionID continues an existing session; empty starts a new one.
	SessionID string `json:"session_id"`

	Vault string `json:"vault"`

	// Model overrides the session's model alias for this and later turns.
	Model string `json:"model"`

	// Template names the context template; empty disables the manager.
	Template string `json:"template"`

	Message string `json:"message"`
}

// Reply is the assistant's answer for one turn.
type Reply struct {
	SessionID string      `json:"session_id"`
	Content   string      `json:"content"`
	Usage     types.Usage `json:"usage"`
}

// Config wires an Executor.
type Config struct {
	Providers contextmgr.ProviderSource
	Manager   *contextmgr.Manager
	Finder    *contextmgr.Finder
	Sessions  *SessionStore
	Registry  *tools.Registry
	Settings  *config.Settings
	Secrets   *config.Secrets

	// Activity may be nil; events are then dropped.
	Activity Recorder

	Logger *zap.Logger
}

// Executor runs chat turns.
type Executor struct {
	providers contextmgr.ProviderSource
	manager   *contextmgr.Manager
	finder    *contextmgr.Finder
	sessions  *SessionStore
	registry  *tools.Registry
	executor  *tools.Executor
	settings  *config.Settings
	secrets   *config.Secrets
	activity  Recorder
	logger    *zap.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("context manager is required")
	}
	if cfg.Finder == nil {
		return nil, fmt.Errorf("template finder is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secrets store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Executor{
		providers: cfg.Providers,
		manager:   cfg.Manager,
		finder:    cfg.Finder,
		sessions:  cfg.Sessions,
		registry:  cfg.Registry,
		executor:  tools.NewExecutor(cfg.Registry),
		settings:  cfg.Settings,
		secrets:   cfg.Secrets,
		activity:  cfg.Activity,
		logger:    cfg.Logger,
	}, nil
}

// Execute runs one chat turn and returns the reply.
func (e *Executor) Execute(ctx context.Context, req Request) (*Reply, error) {
	return e.run(ctx, req, nil)
}

// ExecuteStream runs one chat turn, streaming response tokens through cb
// when the provider supports it. The full reply is returned either way.
func (e *Executor) ExecuteStream(ctx context.Context, req Request, cb types.TokenCallback) (*Reply, error) {
	return e.run(ctx, req, cb)
}

func (e *Executor) run(ctx context.Context, req Request, cb types.TokenCallback) (*Reply, error) {
	if req.Vault == "" {
		return nil, fmt.Errorf("vault is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	session, err := e.sessions.GetOrCreate(req.Vault, req.SessionID, req.Model, req.Template)
	if err != nil {
		return nil, err
	}
	if req.Model != "" {
		session.ModelAlias = req.Model
	}
	if req.Template != "" {
		session.TemplateName = req.Template
	}

	alias := session.ModelAlias
	if alias == "" {
		alias = e.settings.Defaults.Model
	}
	if alias == "" {
		return nil, fmt.Errorf("no model alias: pass model or set defaults.model")
	}
	provider, err := e.providers.Provider(alias)
	if err != nil {
		return nil, err
	}

	var template *contextmgr.Template
	if session.TemplateName != "" {
		template, err = e.finder.Find(req.Vault, session.TemplateName)
		if err != nil {
			// Fail open: a missing or broken template must not block chat.
			e.logger.Warn("Context template unavailable",
				zap.String("session_id", session.ID),
				zap.String("template", session.TemplateName),
				zap.Error(err))
			template = nil
		}
	}

	turnBuffers := buffers.NewStore()
	history := session.Messages()
	reshaped, err := e.manager.Process(ctx, contextmgr.Turn{
		SessionID:   session.ID,
		Vault:       req.Vault,
		VaultRoot:   filepath.Join(e.sessions.dataRoot, req.Vault),
		Template:    template,
		History:     history,
		LatestInput: req.Message,
		Buffers:     turnBuffers,
	})
	if err != nil {
		return nil, err
	}

	instructions := baseInstructions
	if template != nil && template.ChatInstructions != "" {
		instructions += "\n\n" + template.ChatInstructions
	}

	userMsg := types.Message{Role: types.RoleUser, Content: req.Message, Timestamp: time.Now()}
	messages := make([]types.Message, 0, len(reshaped)+2)
	messages = append(messages, types.Message{Role: types.RoleSystem, Content: instructions, Timestamp: time.Now()})
	messages = append(messages, reshaped...)
	messages = append(messages, userMsg)

	toolset := e.availableTools()
	reply, turnMsgs, err := e.converse(ctx, provider, messages, toolset, cb)
	if err != nil {
		e.emit(activity.Record{
			Event:      activity.ChatTurn,
			WorkflowID: req.Vault,
			RunID:      session.ID,
			Outcome:    "failed",
			Detail:     err.Error(),
		})
		return nil, err
	}

	session.Append(append([]types.Message{userMsg}, turnMsgs...)...)
	if err := e.sessions.SaveTranscript(session); err != nil {
		e.logger.Error("Failed to persist transcript",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	e.emit(activity.Record{
		Event:      activity.ChatTurn,
		WorkflowID: req.Vault,
		RunID:      session.ID,
		Outcome:    "success",
	})

	reply.SessionID = session.ID
	return reply, nil
}

// converse runs the tool conversation for one turn. It returns the reply
// and every message generated this turn, for the session history.
func (e *Executor) converse(ctx context.Context, provider types.LLMProvider, messages []types.Message,
	toolset []tools.Tool, cb types.TokenCallback) (*Reply, []types.Message, error) {

	var turnMsgs []types.Message
	usage := types.Usage{}
	timeout := e.settings.APITimeout()

	for turn := 0; turn < maxChatTurns; turn++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		var resp *types.LLMResponse
		var err error
		if streaming, ok := provider.(types.StreamingLLMProvider); ok && cb != nil {
			resp, err = streaming.ChatStream(callCtx, messages, toolset, cb)
		} else {
			resp, err = provider.Chat(callCtx, messages, toolset)
		}
		cancel()
		if err != nil {
			return nil, nil, err
		}

		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		assistant := types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: time.Now(),
		}
		messages = append(messages, assistant)
		turnMsgs = append(turnMsgs, assistant)

		if len(resp.ToolCalls) == 0 {
			return &Reply{Content: resp.Content, Usage: usage}, turnMsgs, nil
		}

		for _, call := range resp.ToolCalls {
			result, execErr := e.executor.Execute(ctx, call.Name, call.Input)
			toolMsg := types.Message{
				Role:       types.RoleTool,
				Content:    formatToolResult(result, execErr),
				ToolUseID:  call.ID,
				ToolResult: result,
				Timestamp:  time.Now(),
			}
			messages = append(messages, toolMsg)
			turnMsgs = append(turnMsgs, toolMsg)
		}
	}
	return nil, nil, fmt.Errorf("tool conversation did not settle within %d turns", maxChatTurns)
}

// availableTools lists registered tools that are enabled in settings with
// their secrets present.
func (e *Executor) availableTools() []tools.Tool {
	var available []tools.Tool
	for _, t := range e.registry.ListTools() {
		cfg, ok := e.settings.Tools[t.Name()]
		if !ok || !cfg.Enabled {
			continue
		}
		if cfg.Secret != "" && !e.secrets.Available(cfg.Secret) {
			continue
		}
		available = append(available, t)
	}
	return available
}

func formatToolResult(result *tools.Result, execErr error) string {
	if execErr != nil {
		return fmt.Sprintf("Error: %s", execErr.Error())
	}
	if result == nil {
		return "Tool returned no result"
	}
	if !result.Success {
		if result.Error != nil {
			return fmt.Sprintf("Tool error: %s - %s", result.Error.Code, result.Error.Message)
		}
		return "Tool execution failed"
	}
	switch data := result.Data.(type) {
	case nil:
		return "OK"
	case string:
		return data
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(raw)
	}
}

func (e *Executor) emit(r activity.Record) {
	if e.activity != nil {
		e.activity.Emit(r)
	}
}
