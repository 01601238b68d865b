package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"campbridge/internal/app"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts.ConfigPath)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
