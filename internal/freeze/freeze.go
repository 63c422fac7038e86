package freeze

import (
	"context"
	"strconv"
	"sync/atomic"

	"permafrost/internal/heap"
	"permafrost/internal/observ"
	"permafrost/internal/trace"
)

// Options configure a Freezer.
type Options struct {
	// Hooks is sealed by New. Nil means no hooks.
	Hooks *Hooks
	// Tracer receives attempt and phase spans. Nil means trace.Nop; a tracer
	// attached to the context passed to FreezeContext takes precedence.
	Tracer trace.Tracer
	// WorklistCapacity presizes the traversal worklist.
	WorklistCapacity int
}

// Stats are cumulative counters over all attempts of a Freezer.
type Stats struct {
	Attempts  uint64
	Frozen    uint64
	Blocked   uint64
	Committed uint64 // objects whose frozen flag went from false to true
	HooksRun  uint64
}

// Freezer runs freeze attempts against one heap. It is safe for concurrent
// use; attempts serialize on the heap's world lock.
type Freezer struct {
	heap     *heap.Heap
	hooks    *Hooks
	tracer   trace.Tracer
	capacity int

	attempts  atomic.Uint64
	frozen    atomic.Uint64
	blocked   atomic.Uint64
	committed atomic.Uint64
	hooksRun  atomic.Uint64
}

// New creates a Freezer over h.
func New(h *heap.Heap, opts Options) *Freezer {
	if opts.Hooks != nil {
		opts.Hooks.Seal()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	return &Freezer{
		heap:     h,
		hooks:    opts.Hooks,
		tracer:   opts.Tracer,
		capacity: opts.WorklistCapacity,
	}
}

// Freeze stops the world and freezes the subgraph of root.
func (f *Freezer) Freeze(root heap.Handle) Outcome {
	return f.FreezeContext(context.Background(), root)
}

// FreezeContext is Freeze with tracing and timing taken from ctx.
func (f *Freezer) FreezeContext(ctx context.Context, root heap.Handle) Outcome {
	w := f.heap.StopTheWorld()
	defer w.Resume()
	return f.freeze(ctx, w, root)
}

// FreezeLocked freezes the subgraph of root under a world the caller already
// holds. Calling it from inside a hook panics.
func (f *Freezer) FreezeLocked(w *heap.World, root heap.Handle) Outcome {
	return f.freeze(context.Background(), w, root)
}

// FreezeErr is Freeze returning a *Error when the attempt is blocked.
func (f *Freezer) FreezeErr(root heap.Handle) error {
	return f.Freeze(root).Err(f.heap, root)
}

// Stats returns a snapshot of the counters.
func (f *Freezer) Stats() Stats {
	return Stats{
		Attempts:  f.attempts.Load(),
		Frozen:    f.frozen.Load(),
		Blocked:   f.blocked.Load(),
		Committed: f.committed.Load(),
		HooksRun:  f.hooksRun.Load(),
	}
}

func (f *Freezer) tracerFor(ctx context.Context) trace.Tracer {
	if t := trace.FromContext(ctx); t != trace.Nop {
		return t
	}
	return f.tracer
}

func (f *Freezer) freeze(ctx context.Context, w *heap.World, root heap.Handle) Outcome {
	w.EnterFreeze()
	defer w.ExitFreeze()

	tr := f.tracerFor(ctx)
	timer := observ.TimerFromContext(ctx)
	f.attempts.Add(1)

	span := trace.Begin(tr, trace.ScopeRuntime, "freeze", trace.CurrentSpan(ctx).SpanID)
	if tr.Enabled() {
		span.WithExtra("root", w.Heap().Describe(root))
	}
	perObject := tr.Enabled() && tr.Level().ShouldEmit(trace.ScopeObject)

	p := beginPhase(tr, timer, "traverse", span.ID())
	objects := traverse(w, root, func(h heap.Handle) {
		if perObject {
			trace.Point(tr, trace.ScopeObject, "visit", w.Heap().Describe(h), span.ID())
		}
		if f.hooks.Run(w, h) {
			f.hooksRun.Add(1)
		}
	}, f.capacity)
	p.end("visited=" + strconv.Itoa(len(objects)))

	p = beginPhase(tr, timer, "validate", span.ID())
	blocker := validate(w, objects)
	p.end("")

	if blocker != heap.Nil {
		f.blocked.Add(1)
		trace.Point(tr, trace.ScopePhase, "blocked", w.Heap().Describe(blocker), span.ID())
		span.End("blocked")
		return Outcome{blocker: blocker, visited: len(objects)}
	}

	p = beginPhase(tr, timer, "commit", span.ID())
	n := commit(w, objects)
	p.end("committed=" + strconv.Itoa(n))

	f.frozen.Add(1)
	f.committed.Add(uint64(n))
	span.End("frozen")
	return Outcome{visited: len(objects)}
}

// validate returns the first pinned object in visitation order. It reads
// metadata but never attaches or changes it.
func validate(w *heap.World, objects []heap.Handle) heap.Handle {
	for _, h := range objects {
		if w.ExtendedMetadata(h).Pinned() {
			return h
		}
	}
	return heap.Nil
}

// commit marks every object frozen and returns how many were not frozen
// before. All metadata blocks are attached before the first flag is set, so
// no attempt can be observed half-committed.
func commit(w *heap.World, objects []heap.Handle) int {
	metas := make([]*heap.Meta, len(objects))
	for i, h := range objects {
		metas[i] = w.EnsureExtendedMetadata(h)
	}
	n := 0
	for _, m := range metas {
		if !m.Frozen() {
			m.MarkFrozen()
			n++
		}
	}
	return n
}

type phase struct {
	span  *trace.Span
	timer *observ.Timer
	idx   int
}

func beginPhase(tr trace.Tracer, timer *observ.Timer, name string, parent uint64) phase {
	p := phase{span: trace.Begin(tr, trace.ScopePhase, name, parent), timer: timer, idx: -1}
	if timer != nil {
		p.idx = timer.Begin(name)
	}
	return p
}

func (p phase) end(note string) {
	p.span.End(note)
	if p.timer != nil {
		p.timer.End(p.idx, note)
	}
}
