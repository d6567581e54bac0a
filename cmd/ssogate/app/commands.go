// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the ssogate command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/ssogate/pkg/logger"
	"github.com/stacklok/ssogate/pkg/sso/config"
)

// Version is injected at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// NewRootCmd creates a new root command for the ssogate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "ssogate",
		DisableAutoGenTag: true,
		Short:             "ssogate - OpenID Connect single sign-on for workspaces",
		Long: `ssogate signs workspace members in through their organization's OpenID Connect
identity provider. It redirects the browser to the provider, validates the callback,
provisions or links the workspace user and hands back a session cookie.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the ssogate configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the single sign-on server",
		Long: `Start the single sign-on server.

The configuration file given with --config is optional; every key can also be set
through SSOGATE_* environment variables. Providers listed in the file are written to
the provider directory before the server starts listening.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("ssogate version: %s\n", Version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long: `Validate the configuration file and environment overrides.

This command checks:
- YAML syntax validity
- Required fields presence
- State backend settings
- Seeded provider records`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.Printf("Configuration is valid (%d providers, %s state backend)\n",
				len(cfg.Providers), cfg.State.Backend)
			return nil
		},
	}
}

// loadConfig reads the file named by --config and validates the result.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path != "" {
		logger.Debugw("loading configuration", "path", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
