// Package stress races freeze attempts against mutators over a random heap
// and checks the freeze invariants afterwards.
package stress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"fortio.org/safecast"
	"golang.org/x/sync/errgroup"

	"permafrost/internal/config"
	"permafrost/internal/freeze"
	"permafrost/internal/heap"
	"permafrost/internal/testkit"
	"permafrost/internal/trace"
	"permafrost/internal/worker"
)

// Options carry the settings that do not come from [stress].
type Options struct {
	Tracer           trace.Tracer
	Hooks            bool
	WorklistCapacity int
	// Progress receives one Event per attempt and one per finished worker.
	// Run never closes it.
	Progress chan<- Event
}

// Event reports progress of one freezing goroutine.
type Event struct {
	Worker int
	Root   heap.Handle
	Frozen bool
	Done   bool
}

// Report summarizes a run.
type Report struct {
	Objects   int
	Pinned    int
	Bound     int
	Attempts  uint64
	Frozen    uint64
	Blocked   uint64
	Committed uint64
	Mutations uint64
	Rejected  uint64 // writes refused because the target was already frozen
	Elapsed   time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("%d objects (%d pinned, %d worker-bound): %d attempts, %d frozen, %d blocked, %d committed; %d mutations, %d rejected; %s",
		r.Objects, r.Pinned, r.Bound, r.Attempts, r.Frozen, r.Blocked, r.Committed, r.Mutations, r.Rejected, r.Elapsed.Round(time.Millisecond))
}

type workload struct {
	heap     *heap.Heap
	nodes    []heap.Handle
	fields   []string
	freezer  *freeze.Freezer
	seed     uint64
	pinned   int
	bound    int
	progress chan<- Event
	mutated  atomic.Uint64
	rejected atomic.Uint64
}

// Run builds a heap shaped by cfg and drives cfg.Workers freezing
// goroutines, each making cfg.Rounds attempts, while half as many mutators
// rewrite edges and pin objects.
func Run(ctx context.Context, cfg config.StressConfig, opts Options) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	wl, err := build(cfg, opts)
	if err != nil {
		return Report{}, err
	}
	if trace.FromContext(ctx) == trace.Nop && opts.Tracer != nil {
		ctx = trace.WithTracer(ctx, opts.Tracer)
	}
	before := testkit.Take(wl.heap)
	start := time.Now()

	mctx, stop := context.WithCancel(ctx)
	defer stop()
	var mutators errgroup.Group
	for i := 0; i < max(1, cfg.Workers/2); i++ {
		rng := wl.rng(1000 + i)
		mutators.Go(func() error { return wl.mutate(mctx, rng) })
	}

	freezers, fctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		rng := wl.rng(i)
		freezers.Go(func() error { return wl.attempt(fctx, i, rng, cfg.Rounds) })
	}
	ferr := freezers.Wait()
	stop()
	merr := mutators.Wait()
	if ferr != nil {
		return Report{}, ferr
	}
	if merr != nil {
		return Report{}, merr
	}

	if err := testkit.CheckMonotonic(before, testkit.Take(wl.heap)); err != nil {
		return Report{}, err
	}
	if err := testkit.CheckPinnedNeverFrozen(wl.heap); err != nil {
		return Report{}, err
	}
	stats := wl.freezer.Stats()
	return Report{
		Objects:   wl.heap.Count(),
		Pinned:    wl.pinned,
		Bound:     wl.bound,
		Attempts:  stats.Attempts,
		Frozen:    stats.Frozen,
		Blocked:   stats.Blocked,
		Committed: stats.Committed,
		Mutations: wl.mutated.Load(),
		Rejected:  wl.rejected.Load(),
		Elapsed:   time.Since(start),
	}, nil
}

func build(cfg config.StressConfig, opts Options) (*workload, error) {
	if err := (config.Config{Stress: cfg, Trace: config.Default().Trace}).Validate(); err != nil {
		return nil, err
	}
	if _, err := safecast.Conv[uint32](cfg.Objects); err != nil {
		return nil, fmt.Errorf("stress: %d objects exceed the handle space: %w", cfg.Objects, err)
	}

	wl := &workload{seed: uint64(cfg.Seed), progress: opts.Progress}
	specs := make([]heap.FieldSpec, 0, cfg.Edges+1)
	for i := 0; i < cfg.Edges; i++ {
		name := "e" + strconv.Itoa(i)
		wl.fields = append(wl.fields, name)
		specs = append(specs, heap.FieldSpec{Name: name, Ref: true})
	}
	specs = append(specs, heap.FieldSpec{Name: "n"})
	types := heap.NewTypes()
	node, err := types.DefineObject("Node", heap.KindObject, specs)
	if err != nil {
		return nil, err
	}
	wl.heap = heap.New(types)

	wl.nodes = make([]heap.Handle, cfg.Objects)
	for i := range wl.nodes {
		if wl.nodes[i], err = wl.heap.Alloc(node); err != nil {
			return nil, err
		}
	}
	rng := wl.rng(-1)
	for _, src := range wl.nodes {
		for _, field := range wl.fields {
			if err := wl.heap.SetRef(src, field, wl.pick(rng)); err != nil {
				return nil, err
			}
		}
	}
	for _, h := range wl.nodes {
		if rng.Float64() < cfg.PinnedRatio {
			if err := wl.heap.EnsureNeverFrozen(h); err != nil {
				return nil, err
			}
			wl.pinned++
		}
	}

	hooks := freeze.NewHooks()
	if opts.Hooks && len(wl.fields) > 0 {
		reg, err := worker.NewRegistry(wl.heap)
		if err != nil {
			return nil, err
		}
		if err := reg.Install(hooks); err != nil {
			return nil, err
		}
		for i := 0; i < cfg.Objects/32; i++ {
			ref, err := reg.Bind(reg.NewWorker(), wl.pick(rng))
			if err != nil {
				return nil, err
			}
			if err := wl.heap.SetRef(wl.pick(rng), wl.fields[rng.IntN(len(wl.fields))], ref); err != nil {
				return nil, err
			}
			wl.bound++
		}
	}
	wl.freezer = freeze.New(wl.heap, freeze.Options{
		Hooks:            hooks,
		Tracer:           opts.Tracer,
		WorklistCapacity: opts.WorklistCapacity,
	})
	return wl, nil
}

func (wl *workload) rng(stream int) *rand.Rand {
	return rand.New(rand.NewPCG(wl.seed, uint64(stream)))
}

func (wl *workload) pick(rng *rand.Rand) heap.Handle {
	return wl.nodes[rng.IntN(len(wl.nodes))]
}

func (wl *workload) attempt(ctx context.Context, id int, rng *rand.Rand, rounds int) error {
	span, ctx := trace.Start(ctx, trace.ScopeRuntime, "worker")
	span.WithExtra("worker", strconv.Itoa(id))
	defer span.End("")

	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		root := wl.pick(rng)
		out := wl.freezer.FreezeContext(ctx, root)
		if out.Frozen() {
			// A frozen subgraph can no longer change shape, so its closure
			// is still checkable after the world resumed.
			if err := testkit.CheckOutcome(wl.heap, root, out); err != nil {
				return err
			}
		} else if !wl.heap.IsPinned(out.Blocker()) {
			return fmt.Errorf("stress: attempt on %s blocked by unpinned %s",
				wl.heap.Describe(root), wl.heap.Describe(out.Blocker()))
		}
		if err := wl.report(ctx, Event{Worker: id, Root: root, Frozen: out.Frozen()}); err != nil {
			return err
		}
	}
	return wl.report(ctx, Event{Worker: id, Done: true})
}

func (wl *workload) report(ctx context.Context, ev Event) error {
	if wl.progress == nil {
		return nil
	}
	select {
	case wl.progress <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wl *workload) mutate(ctx context.Context, rng *rand.Rand) error {
	for ctx.Err() == nil {
		src := wl.pick(rng)
		var err error
		switch {
		case rng.IntN(64) == 0:
			err = wl.heap.EnsureNeverFrozen(src)
			if heap.HasCode(err, heap.CodeAlreadyFrozen) {
				wl.rejected.Add(1)
				continue
			}
		case len(wl.fields) == 0:
			err = wl.heap.SetScalar(src, "n", rng.Int64())
		default:
			err = wl.heap.SetRef(src, wl.fields[rng.IntN(len(wl.fields))], wl.pick(rng))
		}
		if heap.HasCode(err, heap.CodeInvalidMutability) {
			wl.rejected.Add(1)
			continue
		}
		if err != nil {
			return err
		}
		wl.mutated.Add(1)
	}
	return nil
}
