package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"campbridge/internal/app"
	"campbridge/internal/config"
	"campbridge/internal/cursor"
	logx "campbridge/pkg/logx"
)

func newCursorCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move the resume cursor",
	}
	cmd.AddCommand(newCursorShowCommand(opts))
	cmd.AddCommand(newCursorSetCommand(opts))
	return cmd
}

func openStore(opts *rootOptions) (*config.Config, cursor.Store, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func newCursorShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := st.Load(cmd.Context())
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), c)
				return nil
			}
			if !errors.Is(err, cursor.ErrCorruptState) {
				return err
			}
			up, _ := cfg.Upstream.Resolve()
			def := cursor.Default(time.Now(), up.InitialHistoryHours)
			fmt.Fprintf(cmd.ErrOrStderr(), "no valid cursor stored (%v); next run starts at %s\n", err, def)
			return nil
		},
	}
}

func newCursorSetCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set <timestamp>",
		Short: "Store a new cursor (the bridge must not be running)",
		Long: `Store a new resume cursor. The timestamp may be given in the feed's own
format (2006-01-02T15:04:05.000-07:00) or as RFC 3339. Moving the cursor
backwards replays events and requires --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := cursor.Normalize(args[0])
			if err != nil {
				return err
			}
			_, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			cur, err := st.Load(cmd.Context())
			switch {
			case err == nil:
				if next.Before(cur) && !force {
					return fmt.Errorf("refusing to move cursor backwards from %s to %s (use --force)", cur, next)
				}
			case !errors.Is(err, cursor.ErrCorruptState):
				return err
			}

			if err := st.Save(cmd.Context(), next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), next)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow moving the cursor backwards")
	return cmd
}
