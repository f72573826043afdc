// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server is the HTTP surface: status and rescan, manual workflow
// triggers, chat (JSON or SSE streaming), the activity event stream, and
// the model/secret registries. Single-user; authentication is left to the
// deployment front door.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/chat"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/llm/factory"
	"github.com/assistantmd/assistantmd/pkg/scheduler"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

// Config wires a Server.
type Config struct {
	Loader    *workflow.Loader
	Scheduler *scheduler.Scheduler
	Chat      *chat.Executor
	Factory   *factory.ProviderFactory
	Settings  *config.Settings
	Secrets   *config.Secrets

	// Activity may be nil; /api/events then returns 404.
	Activity *activity.Log

	Logger *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	loader    *workflow.Loader
	scheduler *scheduler.Scheduler
	chat      *chat.Executor
	factory   *factory.ProviderFactory
	settings  *config.Settings
	secrets   *config.Secrets
	activity  *activity.Log
	logger    *zap.Logger

	httpServer *http.Server

	mu       sync.RWMutex
	lastSync *scheduler.SyncResult
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat executor is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secrets store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		loader:    cfg.Loader,
		scheduler: cfg.Scheduler,
		chat:      cfg.Chat,
		factory:   cfg.Factory,
		settings:  cfg.Settings,
		secrets:   cfg.Secrets,
		activity:  cfg.Activity,
		logger:    cfg.Logger,
	}

	addr := net.JoinHostPort(cfg.Settings.Server.Host, fmt.Sprintf("%d", cfg.Settings.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the full request handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// RecordSync stores the most recent scheduler sync result for the status
// endpoint.
func (s *Server) RecordSync(result *scheduler.SyncResult) {
	s.mu.Lock()
	s.lastSync = result
	s.mu.Unlock()
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/rescan", s.handleRescan)
	mux.HandleFunc("POST /api/workflows/run", s.handleRunWorkflow)
	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/settings/models", s.handleGetModels)
	mux.HandleFunc("PUT /api/settings/models", s.handlePutModels)
	mux.HandleFunc("GET /api/settings/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/settings/secrets/{name}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/settings/secrets/{name}", s.handleDeleteSecret)

	if s.activity != nil {
		mux.Handle("GET /api/events", s.activity.Handler())
	}

	return mux
}

// corsMiddleware applies server.cors_origins. A "*" entry allows any
// origin; otherwise the request origin must match the list exactly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.settings.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
