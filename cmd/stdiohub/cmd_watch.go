package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/stdiohub/internal/watch"
	"github.com/lexcodex/stdiohub/supervisor"
)

func newWatchCmd() *cobra.Command {
	var (
		apiURL   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Terminal dashboard for a running stdiohub API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ignoreCanceled(watch.Run(cmd.Context(), watch.NewClient(apiURL), interval))
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", envOrDefault("STDIOHUB_API", "http://localhost:8088"), "stdiohub API base URL")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

func newServersCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var servers []supervisor.ServerSummary
			if apiURL != "" {
				var err error
				servers, err = watch.NewClient(apiURL).Servers(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				registry, err := supervisor.LoadRegistry(flagConfig)
				if err != nil {
					return fmt.Errorf("load server table: %w", err)
				}
				for _, name := range registry.Names() {
					cfg, _ := registry.Lookup(name)
					servers = append(servers, supervisor.ServerSummary{
						Name:        cfg.Name,
						DisplayName: cfg.DisplayName,
						Description: cfg.Description,
						Tags:        cfg.Capabilities,
						Status:      supervisor.StatusStopped,
					})
				}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY\tSTATUS\tPENDING\tTAGS")
			for _, srv := range servers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", srv.Name, srv.DisplayName, srv.Status, srv.Pending, strings.Join(srv.Tags, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "query a running stdiohub API for live status")
	return cmd
}

