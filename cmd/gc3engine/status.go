package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gc3pie/gc3core/internal/session"
)

func newStatusCmd() *cobra.Command {
	var showLog bool

	cmd := &cobra.Command{
		Use:   "status <session-dir>",
		Short: "print the state of every top-level task in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := session.Open(args[0])
			if err != nil {
				return err
			}
			defer sess.Store.Close()

			if showLog {
				text, err := sess.Log(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}

			summaries, err := sess.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tRETURN CODE")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.State, s.ReturnCode)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "print the merged history log instead of the state table")
	return cmd
}
