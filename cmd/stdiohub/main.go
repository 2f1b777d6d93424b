package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/stdiohub/supervisor"
)

var (
	flagConfig  string
	flagTimeout time.Duration
	flagVerbose bool
)

func main() {
	rootCmd := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stdiohub",
		Short:         "Supervise JSON-RPC worker processes over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("STDIOHUB_CONFIG", "configs/servers.yaml"), "Server table (YAML)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "Per-request timeout")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Log every message exchanged with workers")

	root.AddCommand(newServeCmd(), newCallCmd(), newServersCmd(), newWatchCmd())
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newSupervisor loads the server table and builds a supervisor over it.
func newSupervisor(logger *log.Logger, opts supervisor.Options) (*supervisor.Supervisor, error) {
	registry, err := supervisor.LoadRegistry(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load server table: %w", err)
	}
	opts.RequestTimeout = flagTimeout
	opts.Logger = logger
	return supervisor.New(registry, opts)
}
