package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "geofix",
		Short:         "Resolve coordinates for user profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File of KEY=value settings loaded before the environment is read")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newFixCommand())

	return rootCmd
}

// loadEnvFile applies settings from path without overriding variables that
// are already set. A missing default file is fine; a missing explicit one is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	return fmt.Errorf("load env file: %w", err)
}
