package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"permafrost/internal/freeze"
	"permafrost/internal/heapfile"
	"permafrost/internal/observ"
	"permafrost/internal/trace"
)

func newFreezeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freeze FILE --root NAME",
		Short: "Freeze the subgraph reachable from a named object",
		Long: `Load a TOML heap description, freeze everything reachable from --root
and report the outcome. The command exits with status 1 when a pinned object
blocks the attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: runFreeze,
	}
	cmd.Flags().String("root", "", "name of the root object")
	cmd.Flags().String("save", "", "write a msgpack image of the resulting heap to this path")
	cmd.Flags().Bool("dump", false, "print the heap after the attempt")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func runFreeze(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	tracer, cleanup, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rootName, _ := cmd.Flags().GetString("root")
	savePath, _ := cmd.Flags().GetString("save")
	dump, _ := cmd.Flags().GetBool("dump")

	g, err := heapfile.Load(args[0])
	if err != nil {
		return err
	}
	root, err := g.Lookup(rootName)
	if err != nil {
		return err
	}

	hooks := freeze.NewHooks()
	if cfg.Freeze.Hooks {
		if err := g.Workers.Install(hooks); err != nil {
			return err
		}
	}
	f := freeze.New(g.Heap, freeze.Options{
		Hooks:            hooks,
		Tracer:           tracer,
		WorklistCapacity: cfg.Freeze.WorklistCapacity,
	})

	ctx := cmd.Context()
	var timer *observ.Timer
	if timings(cmd) {
		timer = observ.NewTimer()
		ctx = observ.WithTimer(ctx, timer)
	}
	out := f.FreezeContext(ctx, root)

	stdout := cmd.OutOrStdout()
	if out.Frozen() {
		if !quiet(cmd) {
			fmt.Fprintf(stdout, "%s %s (%s): %d objects\n",
				okColor.Sprint("frozen"), rootName, g.Heap.Describe(root), out.Visited())
		}
	} else {
		blocker := out.Blocker()
		fmt.Fprintf(stdout, "%s %s (%s): first blocker is %s (%s) after %d objects\n",
			blockColor.Sprint("blocked"), rootName, g.Heap.Describe(root),
			g.NameOf(blocker), g.Heap.Describe(blocker), out.Visited())
		if ring := trace.FindRing(tracer); ring != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), noteColor.Sprint("trace ring:"))
			if err := ring.Dump(cmd.ErrOrStderr(), trace.FormatText); err != nil {
				return fmt.Errorf("failed to dump trace ring: %w", err)
			}
		}
	}
	if timer != nil {
		fmt.Fprint(stdout, timer.Summary())
	}
	if dump {
		fmt.Fprint(stdout, g.Heap.DumpString())
	}
	if savePath != "" {
		if err := saveImage(g, savePath); err != nil {
			return err
		}
		if !quiet(cmd) {
			fmt.Fprintf(stdout, "%s %s\n", noteColor.Sprint("saved"), savePath)
		}
	}

	return out.Err(g.Heap, root)
}

func saveImage(g *heapfile.Graph, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close image: %w", cerr)
		}
	}()
	if err := g.Heap.EncodeImage(f); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}
