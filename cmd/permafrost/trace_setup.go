package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"permafrost/internal/config"
	"permafrost/internal/trace"
)

// setupTracing builds the tracer described by cfg and attaches it to the
// command context. It returns a cleanup function that flushes and closes it.
func setupTracing(cmd *cobra.Command, cfg config.Config) (trace.Tracer, func(), error) {
	heartbeatInterval, err := cmd.Root().PersistentFlags().GetDuration("trace-heartbeat")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	tcfg, err := cfg.TracerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid trace settings: %w", err)
	}
	if tcfg.OutputPath == "" || tcfg.OutputPath == "-" {
		tcfg.Output = uncloseable{cmd.ErrOrStderr()}
	}
	tcfg.Heartbeat = heartbeatInterval

	tracer, err := trace.New(tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	if !tracer.Enabled() {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return trace.Nop, func() {}, nil
	}

	// The command span parents every freeze attempt the command makes.
	span, ctx := trace.Start(trace.WithTracer(cmd.Context(), tracer), trace.ScopeRuntime, cmd.CommandPath())
	cmd.SetContext(ctx)

	var heartbeat *trace.Heartbeat
	if heartbeatInterval > 0 {
		heartbeat = trace.StartHeartbeat(tracer, heartbeatInterval)
	}

	cleanup := func() {
		// Stop heartbeat first
		if heartbeat != nil {
			heartbeat.Stop()
		}
		span.End("")

		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}
	return tracer, cleanup, nil
}

// uncloseable keeps the tracer from closing the command's stderr.
type uncloseable struct{ io.Writer }
