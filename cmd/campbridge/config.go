package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"campbridge/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			up, _ := cfg.Upstream.Resolve()
			dst, _ := cfg.Destination.Resolve()
			st, _ := cfg.State.Resolve()
			ops, _ := cfg.Ops.Resolve()
			stats := config.StatsOrDefault(cfg.Stats)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "config OK: %s\n", opts.ConfigPath)
			fmt.Fprintf(w, "  upstream:    %s account %s, poll %s, max backoff %s\n", up.BaseURL, up.AccountID, up.PollInterval, up.MaxBackoff)
			fmt.Fprintf(w, "  destination: %s, pace %s, retries %d\n", dst.Driver, dst.Pace, dst.RetryMax)
			fmt.Fprintf(w, "  state:       %s %s (journal %t)\n", st.Driver, st.Path, st.Journal)
			fmt.Fprintf(w, "  ops:         enabled %t on %s\n", ops.Enabled, ops.Addr)
			fmt.Fprintf(w, "  stats:       enabled %t, schedule %q\n", stats.Enabled, stats.Schedule)
			return nil
		},
	})
	return cmd
}
