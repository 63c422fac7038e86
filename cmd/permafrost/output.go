package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"permafrost/internal/freeze"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	blockColor = color.New(color.FgRed, color.Bold)
	noteColor  = color.New(color.FgYellow)
)

// applyColor resolves --color. auto enables color only when stdout is a
// terminal.
func applyColor(cmd *cobra.Command) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	default:
		return fmt.Errorf("invalid --color %q (expected: auto|on|off)", mode)
	}
	return nil
}

func quiet(cmd *cobra.Command) bool {
	q, err := cmd.Root().PersistentFlags().GetBool("quiet")
	return err == nil && q
}

func timings(cmd *cobra.Command) bool {
	t, err := cmd.Root().PersistentFlags().GetBool("timings")
	return err == nil && t
}

// reportError prints a command failure. Blocked freeze attempts get their
// own prefix.
func reportError(out io.Writer, err error) {
	var freezeErr *freeze.Error
	if errors.As(err, &freezeErr) {
		fmt.Fprintf(out, "%s %v\n", blockColor.Sprint("blocked:"), err)
		return
	}
	fmt.Fprintf(out, "%s %v\n", blockColor.Sprint("error:"), err)
}
