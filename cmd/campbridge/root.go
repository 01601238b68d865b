package main

import (
	"github.com/spf13/cobra"

	"campbridge/internal/config"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "campbridge",
		Short: "Forward Basecamp activity events to Zulip or Telegram",
		Long: `campbridge polls a Basecamp account's events feed and posts each new
event to a chat destination, resuming from a durable cursor after restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCursorCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.NewManager(o.ConfigPath).Load()
}
