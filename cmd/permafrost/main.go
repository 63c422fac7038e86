package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"permafrost/internal/version"
)

// newRootCmd builds the command tree. Tests build a fresh tree per run so
// flag state never leaks between them.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "permafrost",
		Short:         "Freeze object subgraphs of a managed heap",
		Long:          `permafrost loads heap descriptions, freezes subgraphs atomically and stress-tests the freeze protocol`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyColor(cmd)
		},
	}

	rootCmd.AddCommand(newFreezeCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newStressCmd())
	rootCmd.AddCommand(newVersionCmd())

	flags := rootCmd.PersistentFlags()
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.Bool("quiet", false, "suppress non-essential output")
	flags.Bool("timings", false, "show phase timings")
	flags.String("config", "", "path to permafrost.toml (default: search upwards from the working directory)")
	flags.String("trace", "", "trace output file (- for stderr)")
	flags.String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	flags.String("trace-mode", "", "trace storage mode (stream|ring|both)")
	flags.Int("trace-ring-size", 0, "trace ring buffer capacity")
	flags.Duration("trace-heartbeat", 0, "emit heartbeat events at this interval (0 disables)")
	flags.String("cpu-profile", "", "write a CPU profile to this file")
	flags.String("mem-profile", "", "write a heap profile to this file on exit")
	flags.String("runtime-trace", "", "write a Go runtime trace to this file")
	return rootCmd
}

// main runs the CLI and exits with status 1 on any error, including a
// blocked freeze attempt.
func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		reportError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
