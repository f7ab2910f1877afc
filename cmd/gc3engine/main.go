// Command gc3engine is a thin operational entry point wiring Engine,
// Session, and Store together (run/status/kill/redo subcommands
// operating on a session directory), the same kind of minimal
// exercise-the-engine-end-to-end binary as the teacher's cmd/server.go
// and cmd/scheduler.go. It is not a reimplementation of the
// gsub/gstat/... application front-ends.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagQuiet      bool
	flagDebug      bool
	flagConfigFile string
)

func main() {
	root := &cobra.Command{
		Use:   "gc3engine",
		Short: "operational front-end for the gc3core task engine",
	}
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress log output")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug-level logging")
	root.PersistentFlags().StringVar(&flagConfigFile, "config", "", "resource configuration file (spec.md §6); defaults to a single local shellcmd resource")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newKillCmd())
	root.AddCommand(newRedoCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
