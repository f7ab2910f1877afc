package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRedoCmd() *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "redo <session-dir> <task-id>",
		Short: "resubmit a terminated task from scratch and run until it settles again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			sess, err := openForMutation(cmd.Context(), args[0], log)
			if err != nil {
				return err
			}
			defer sess.Store.Close()

			if err := sess.Engine.Redo(args[1]); err != nil {
				return err
			}
			if err := sess.Engine.RunUntilDone(cmd.Context(), pollInterval); err != nil {
				return err
			}
			return sess.RefreshIndex()
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "delay between engine ticks")
	return cmd
}
