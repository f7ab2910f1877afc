package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "kill <session-dir>",
		Short: "abort every non-terminal top-level task in a session and wait for them to settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			sess, err := openForMutation(cmd.Context(), args[0], log)
			if err != nil {
				return err
			}
			defer sess.Store.Close()
			return sess.Abort(cmd.Context(), pollInterval)
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "delay between engine ticks")
	return cmd
}
