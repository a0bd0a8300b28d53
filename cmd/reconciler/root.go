package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tendant/blob-reconcile/pkg/reconcile/config"
)

var (
	// version is injected at build time
	version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Reconcile a blob store with its metadata and apply cleanup policies",
	Long: `reconciler finds blobs no asset references, asset records whose blob is
gone and blobs recoverable from a failover store, and repairs them through
persisted, resumable plans. It also evaluates per-repository retention
policies and deletes the component versions they select.

Settings come from an optional YAML file (--config) and the environment:

` + config.Description(),
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.WithFile(cfgFile), config.WithEnv())
}

// newLogger builds the process logger from LOG_FORMAT (text, json) and
// LOG_LEVEL (debug, info, warn, error).
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q (use text or json)", os.Getenv("LOG_FORMAT"))
	}
}
