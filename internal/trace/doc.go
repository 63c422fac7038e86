// Package trace records structured runtime events: freeze attempts, their
// phases, and per-object decisions such as the object that blocked an
// attempt.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	permafrost freeze --trace=- --trace-level=detail heap.toml --root app
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - Nop: zero-overhead no-op tracer when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer kept for post-mortem dumps
//   - MultiTracer: combines multiple tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: only post-mortem dumps
//   - LevelPhase: runtime operations (one span per freeze attempt)
//   - LevelDetail: phases inside an operation (traverse, validate, commit)
//   - LevelDebug: everything including per-object events
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeRuntime, "freeze", parentID)
//	defer span.End("")
package trace
