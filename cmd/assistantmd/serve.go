// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/assistantmd/assistantmd/internal/log"
	"github.com/assistantmd/assistantmd/pkg/activity"
	"github.com/assistantmd/assistantmd/pkg/chat"
	"github.com/assistantmd/assistantmd/pkg/config"
	"github.com/assistantmd/assistantmd/pkg/contextmgr"
	"github.com/assistantmd/assistantmd/pkg/engine"
	"github.com/assistantmd/assistantmd/pkg/filestate"
	"github.com/assistantmd/assistantmd/pkg/llm/factory"
	"github.com/assistantmd/assistantmd/pkg/scheduler"
	"github.com/assistantmd/assistantmd/pkg/server"
	"github.com/assistantmd/assistantmd/pkg/tools"
	"github.com/assistantmd/assistantmd/pkg/workflow"
)

var (
	flagDataRoot   string
	flagSystemRoot string
	flagPort       int
	flagLogLevel   string
	flagLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AssistantMD server",
	Long: heredoc.Doc(`
		Start the AssistantMD server.

		The server scans the data root for vaults, schedules every workflow
		that declares one, watches the vaults for edits, and serves the HTTP
		API for status, manual runs, and chat.

		Press Ctrl+C to shut down gracefully.
	`),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagDataRoot, "data-root", "",
		fmt.Sprintf("vault parent directory (default: $%s)", config.EnvDataRoot))
	serveCmd.Flags().StringVar(&flagSystemRoot, "system-root", "",
		fmt.Sprintf("settings/state directory (default: $%s)", config.EnvSystemRoot))
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides settings)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "log format: text, json")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataFlag := flagDataRoot
	if dataFlag == "" {
		dataFlag = os.Getenv(config.EnvDataRoot)
	}
	systemFlag := flagSystemRoot
	if systemFlag == "" {
		systemFlag = os.Getenv(config.EnvSystemRoot)
	}
	if err := config.BootstrapWith(dataFlag, systemFlag); err != nil {
		return err
	}
	dataRoot, err := config.DataRoot()
	if err != nil {
		return err
	}
	systemRoot, err := config.SystemRoot()
	if err != nil {
		return err
	}

	settings, err := config.LoadSettings(systemRoot)
	if err != nil {
		return err
	}
	if flagPort != 0 {
		settings.Server.Port = flagPort
	}
	if flagLogLevel != "" {
		settings.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		settings.Logging.Format = flagLogFormat
	}
	if err := log.Configure(settings.Logging.Level, settings.Logging.Format); err != nil {
		return err
	}
	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	secrets, err := config.LoadSecrets(systemRoot)
	if err != nil {
		return err
	}

	logger.Info("AssistantMD starting",
		zap.String("data_root", dataRoot),
		zap.String("system_root", systemRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activityLog, err := activity.NewLog(filepath.Join(systemRoot, "activity.log"))
	if err != nil {
		return err
	}
	defer func() { _ = activityLog.Close() }()

	dbPath := filepath.Join(systemRoot, "assistantmd.db")
	fileState, err := filestate.NewStore(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = fileState.Close() }()

	summaries, err := contextmgr.NewSummaryStore(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = summaries.Close() }()

	cache, err := contextmgr.NewCache(ctx, summaries.DB(), logger)
	if err != nil {
		return err
	}

	loader := workflow.NewLoader(dataRoot, logger)
	// A workflow file that disappears takes its consumption state with it,
	// so the same global id later starts from a clean slate.
	loader.OnRemoved(func(ids []string) {
		for _, id := range ids {
			if err := fileState.PruneWorkflow(ctx, id); err != nil {
				logger.Warn("Failed to prune file state",
					zap.String("workflow_id", id),
					zap.Error(err))
			}
		}
	})
	if _, err := loader.Rescan(); err != nil {
		return err
	}

	// Built-in tools sandbox to the data root; vault-relative paths inside
	// tool calls resolve against it.
	registry := tools.NewRegistry()
	for _, t := range tools.VaultBuiltins(dataRoot) {
		registry.Register(t)
	}

	providers := factory.New(settings, secrets, logger)

	eng, err := engine.New(engine.Config{
		Loader:    loader,
		Factory:   providers,
		Registry:  registry,
		Settings:  settings,
		Secrets:   secrets,
		FileState: fileState,
		Activity:  activityLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	schedDB := settings.Scheduler.DBPath
	if schedDB == "" {
		schedDB = dbPath
	}
	sched, err := scheduler.NewScheduler(ctx, scheduler.Config{
		DBPath:   schedDB,
		Timezone: settings.Scheduler.Timezone,
		Run:      eng.Run,
		OnJobSynced: func(action, workflowID string) {
			activityLog.Emit(activity.Record{
				Event:      activity.JobSynced,
				WorkflowID: workflowID,
				Action:     action,
			})
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := sched.LoadJobs(ctx); err != nil {
		return err
	}
	syncResult, err := sched.Synchronize(ctx, loader.Snapshot())
	if err != nil {
		return err
	}
	sched.Resume()

	manager, err := contextmgr.New(contextmgr.Config{
		Providers: providers,
		Registry:  registry,
		Settings:  settings,
		Secrets:   secrets,
		Cache:     cache,
		Summaries: summaries,
		Activity:  activityLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	chatExec, err := chat.New(chat.Config{
		Providers: providers,
		Manager:   manager,
		Finder:    contextmgr.NewFinder(dataRoot, systemRoot),
		Sessions:  chat.NewSessionStore(dataRoot, logger),
		Registry:  registry,
		Settings:  settings,
		Secrets:   secrets,
		Activity:  activityLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Loader:    loader,
		Scheduler: sched,
		Chat:      chatExec,
		Factory:   providers,
		Settings:  settings,
		Secrets:   secrets,
		Activity:  activityLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	srv.RecordSync(syncResult)

	watcher, err := workflow.NewWatcher(loader, workflow.WatchConfig{
		Enabled: settings.Scheduler.HotReload,
		Logger:  logger,
		OnReload: func(snap *workflow.Snapshot) {
			result, err := sched.Synchronize(ctx, snap)
			if err != nil {
				logger.Error("Scheduler sync after reload failed", zap.Error(err))
				return
			}
			srv.RecordSync(result)
		},
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := watcher.Stop(); err != nil {
		logger.Warn("Watcher stop failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler stop failed", zap.Error(err))
	}

	logger.Info("AssistantMD stopped")
	return nil
}
