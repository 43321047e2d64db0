package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-tenant WhatsApp messaging gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $CONFIG_PATH or config.toml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and every provisioned instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(resolveConfigPath(configPath))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gateway %s (%s)\n", version, commit)
		},
	})
	return root
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return config.DefaultConfigPath
}
