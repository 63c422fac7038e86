package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"permafrost/internal/stress"
)

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Race freeze attempts against mutators and verify the invariants",
		Long: `Build a random heap, run concurrent freeze attempts from random roots
while mutators rewrite edges and pin objects, then check that every frozen
subgraph is closed, no object went back to mutable and no object is both
pinned and frozen. Flags override the [stress] section of permafrost.toml.`,
		Args: cobra.NoArgs,
		RunE: runStress,
	}
	cmd.Flags().Int("workers", 0, "number of freezing goroutines")
	cmd.Flags().Int("objects", 0, "number of heap objects")
	cmd.Flags().Int("edges", 0, "reference fields per object")
	cmd.Flags().Float64("pinned-ratio", 0, "fraction of objects pinned up front")
	cmd.Flags().Int("rounds", 0, "attempts per freezing goroutine")
	cmd.Flags().Int64("seed", 0, "random seed")
	cmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	return cmd
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	s := &cfg.Stress
	if flags.Changed("workers") {
		s.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("objects") {
		s.Objects, _ = flags.GetInt("objects")
	}
	if flags.Changed("edges") {
		s.Edges, _ = flags.GetInt("edges")
	}
	if flags.Changed("pinned-ratio") {
		s.PinnedRatio, _ = flags.GetFloat64("pinned-ratio")
	}
	if flags.Changed("rounds") {
		s.Rounds, _ = flags.GetInt("rounds")
	}
	if flags.Changed("seed") {
		s.Seed, _ = flags.GetInt64("seed")
	}

	uiFlag, _ := flags.GetString("ui")
	mode, err := readUIMode(uiFlag)
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

	opts := stress.Options{
		Tracer:           tracer,
		Hooks:            cfg.Freeze.Hooks,
		WorklistCapacity: cfg.Freeze.WorklistCapacity,
	}
	var report stress.Report
	if shouldUseTUI(mode) && !quiet(cmd) {
		report, err = runStressWithUI(cmd.Context(), cmd.OutOrStdout(), cfg.Stress, opts)
	} else {
		report, err = stress.Run(cmd.Context(), cfg.Stress, opts)
	}
	if err != nil {
		return fmt.Errorf("stress: %w", err)
	}
	if !quiet(cmd) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okColor.Sprint("ok"), report)
	}
	return nil
}
