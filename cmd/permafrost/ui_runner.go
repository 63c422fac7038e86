package main

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"permafrost/internal/config"
	"permafrost/internal/stress"
	"permafrost/internal/ui"
)

type stressOutcome struct {
	report stress.Report
	err    error
}

// runStressWithUI runs the workload in the background and renders its
// progress. Quitting the UI early cancels the workload.
func runStressWithUI(ctx context.Context, out io.Writer, cfg config.StressConfig, opts stress.Options) (stress.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan stress.Event, 256)
	outcomeCh := make(chan stressOutcome, 1)
	opts.Progress = events

	go func() {
		report, err := stress.Run(ctx, cfg, opts)
		close(events)
		outcomeCh <- stressOutcome{report: report, err: err}
	}()

	model := ui.NewStressModel("stress", cfg.Workers, cfg.Rounds, events)
	program := tea.NewProgram(model, tea.WithOutput(out), tea.WithInput(nil), tea.WithContext(ctx))
	_, uiErr := program.Run()
	cancel()
	outcome := <-outcomeCh
	if uiErr != nil && outcome.err == nil {
		return outcome.report, uiErr
	}
	return outcome.report, outcome.err
}
