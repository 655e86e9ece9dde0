// Command hbitmapctl is a small demonstration and diagnostic CLI around
// the hbitmap package: each subcommand builds a fresh bitmap of a
// requested size, applies one set, clear or find operation (stat only
// computes the bitmap's shape), and prints a one-line result. It exists
// to exercise the package interactively, the way a real allocator's debug
// tooling would, not as a production entry point.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "hbitmapctl",
		Short: "Inspect and drive an hbitmap bitmap from the command line",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newSetCmd())
	root.AddCommand(newClearCmd())
	root.AddCommand(newFindCmd())
	root.AddCommand(newStatCmd())
	return root
}
