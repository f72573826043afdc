// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/assistantmd/assistantmd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "assistantmd",
	Short: "AssistantMD - LLM workflows over markdown vaults",
	Long: heredoc.Doc(`
		AssistantMD runs scheduled LLM workflows and chat sessions over your
		markdown vaults. Workflows are plain markdown files with a directive
		vocabulary; outputs land back in the vault as markdown.
	`),
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("assistantmd %s\n", version.Get())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
