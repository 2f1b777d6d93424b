package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lexcodex/stdiohub/persistence"
	"github.com/lexcodex/stdiohub/server"
	"github.com/lexcodex/stdiohub/supervisor"
)

func newServeCmd() *cobra.Command {
	var (
		addr          string
		transcript    string
		telemetryPath string
		rps           float64
		burst         int
		startAll      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API over the configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.New(os.Stderr, "supervisor ", log.LstdFlags)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := supervisor.NewMetrics(reg)
			if err != nil {
				return err
			}

			hub := server.NewEventHub(log.New(os.Stderr, "events ", log.LstdFlags))
			sinks := []supervisor.Telemetry{
				supervisor.LoggerTelemetry{Logger: logger, Verbose: flagVerbose},
				hub,
			}
			if telemetryPath != "" {
				fileSink, err := supervisor.NewJSONFileTelemetry(telemetryPath)
				if err != nil {
					return err
				}
				defer fileSink.Close()
				sinks = append(sinks, fileSink)
			}

			var store persistence.TranscriptStore
			if transcript != "" {
				var closeStore func() error
				store, closeStore, err = openTranscriptStore(transcript)
				if err != nil {
					return err
				}
				defer closeStore()
				archiver, err := persistence.NewArchiver(store, logger, persistence.DefaultArchiveBuffer)
				if err != nil {
					return err
				}
				// Runs after ServeContext has stopped the workers and before the
				// store is closed.
				defer func() {
					closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := archiver.Close(closeCtx); err != nil {
						logger.Printf("transcript archive: %v", err)
					}
				}()
				sinks = append(sinks, archiver)
			}

			sup, err := newSupervisor(logger, supervisor.Options{
				Telemetry: supervisor.Fanout(sinks...),
				Metrics:   metrics,
			})
			if err != nil {
				return err
			}
			if startAll {
				for _, name := range sup.Registry().Names() {
					if err := sup.Start(ctx, name); err != nil {
						logger.Printf("%s: %v", name, err)
					}
				}
			}

			api := &server.APIServer{
				Backend:     sup,
				Logger:      log.New(os.Stdout, "api ", log.LstdFlags),
				Transcripts: store,
				Events:      hub,
				Limiter:     server.NewLimiter(rps, burst),
				Gatherer:    reg,
				CallTimeout: flagTimeout + flagTimeout/2,
			}
			cmd.Printf("Serving %d workers from %s on %s\n", sup.Registry().Len(), flagConfig, addr)
			return ignoreCanceled(api.ServeContext(ctx, addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("STDIOHUB_ADDR", ":8088"), "address for HTTP API server")
	cmd.Flags().StringVar(&transcript, "transcript", "", "archive messages to a directory, or to SQLite when the path ends in .db")
	cmd.Flags().StringVar(&telemetryPath, "telemetry", "", "append telemetry events as NDJSON to this file")
	cmd.Flags().Float64Var(&rps, "rate", 0, "per-worker request rate limit (requests/second, 0 disables)")
	cmd.Flags().IntVar(&burst, "burst", 10, "per-worker request burst")
	cmd.Flags().BoolVar(&startAll, "start-all", false, "start every configured worker at boot")
	return cmd
}

// openTranscriptStore picks SQLite for *.db paths and a JSON directory otherwise.
func openTranscriptStore(path string) (persistence.TranscriptStore, func() error, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".db" || ext == ".sqlite" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewSQLiteTranscriptStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open transcript database: %w", err)
		}
		return store, store.Close, nil
	}
	store, err := persistence.NewFileTranscriptStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
