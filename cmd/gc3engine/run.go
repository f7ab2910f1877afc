package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gc3pie/gc3core/internal/session"
	"github.com/gc3pie/gc3core/internal/store"
	"github.com/gc3pie/gc3core/internal/task"
)

func newRunCmd() *cobra.Command {
	var (
		sessionDir   string
		taskName     string
		storeURL     string
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "create a session, submit one task, and run until it terminates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			if sessionDir == "" {
				return fmt.Errorf("--session-dir is required")
			}
			if storeURL == "" {
				storeURL = "file://" + filepath.Join(sessionDir, "store")
			}

			st, err := store.Open(storeURL)
			if err != nil {
				return err
			}

			t := task.New(taskName, task.Spec{Command: args[0], Args: args[1:]})
			eng := buildEngine(log, st)
			eng.AddTask(t)

			name := filepath.Base(sessionDir)
			sess, err := session.Create(sessionDir, name, storeURL, eng)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				log.Warnf("signal received, aborting session %s", name)
				_ = sess.Abort(ctx, pollInterval)
				cancel()
			}()

			if err := eng.RunUntilDone(ctx, pollInterval); err != nil {
				return err
			}
			if err := sess.MarkComplete(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", t.ID, t.Run.State(), t.Run.ReturnCode)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionDir, "session-dir", "", "directory to create the new session in (required)")
	cmd.Flags().StringVar(&taskName, "name", "task", "human-readable name for the submitted task")
	cmd.Flags().StringVar(&storeURL, "store", "", "store URL (default file://<session-dir>/store)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "delay between engine ticks")
	return cmd
}
