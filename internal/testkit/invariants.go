// Package testkit holds invariant checks over a heap shared by tests and the
// stress command.
package testkit

import (
	"fmt"
	"sort"

	"permafrost/internal/freeze"
	"permafrost/internal/heap"
)

// Snapshot records the frozen flag of every object at one point in time.
type Snapshot map[heap.Handle]bool

// Take records the frozen flags of all objects under a stopped world.
func Take(h *heap.Heap) Snapshot {
	w := h.StopTheWorld()
	defer w.Resume()
	snap := make(Snapshot, w.Bound())
	for i := 1; i < w.Bound(); i++ {
		handle := heap.Handle(i)
		snap[handle] = w.ExtendedMetadata(handle).Frozen()
	}
	return snap
}

// Reachable computes the objects reachable from root with a depth-first
// walk independent of the freeze traversal. The result is sorted.
func Reachable(h *heap.Heap, root heap.Handle) []heap.Handle {
	if root == heap.Nil {
		return nil
	}
	w := h.StopTheWorld()
	defer w.Resume()
	seen := map[heap.Handle]bool{root: true}
	stack := []heap.Handle{root}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		w.Edges(top, func(ref heap.Handle) {
			if !seen[ref] {
				seen[ref] = true
				stack = append(stack, ref)
			}
		})
	}
	out := make([]heap.Handle, 0, len(seen))
	for handle := range seen {
		out = append(out, handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckMonotonic fails if any object was frozen in before but not in after.
func CheckMonotonic(before, after Snapshot) error {
	for handle, was := range before {
		if was && !after[handle] {
			return fmt.Errorf("object @%d went from frozen to unfrozen", handle)
		}
	}
	return nil
}

// CheckUnchanged fails if any frozen flag differs between the snapshots.
// Objects allocated after before was taken are ignored.
func CheckUnchanged(before, after Snapshot) error {
	for handle, was := range before {
		if after[handle] != was {
			return fmt.Errorf("object @%d frozen flag changed from %v to %v", handle, was, after[handle])
		}
	}
	return nil
}

// CheckOutcome verifies the post-state of a freeze attempt on root: a frozen
// outcome leaves every object reachable from root frozen; a blocked outcome
// names a pinned object reachable from root.
func CheckOutcome(h *heap.Heap, root heap.Handle, out freeze.Outcome) error {
	reachable := Reachable(h, root)
	if out.Frozen() {
		for _, handle := range reachable {
			if !h.IsFrozen(handle) {
				return fmt.Errorf("%s reachable from %s is not frozen after a frozen outcome",
					h.Describe(handle), h.Describe(root))
			}
		}
		return nil
	}
	blocker := out.Blocker()
	if !h.IsPinned(blocker) {
		return fmt.Errorf("blocker %s is not pinned", h.Describe(blocker))
	}
	i := sort.Search(len(reachable), func(i int) bool { return reachable[i] >= blocker })
	if i == len(reachable) || reachable[i] != blocker {
		return fmt.Errorf("blocker %s is not reachable from %s", h.Describe(blocker), h.Describe(root))
	}
	return nil
}

// CheckPinnedNeverFrozen fails if some object carries both flags.
func CheckPinnedNeverFrozen(h *heap.Heap) error {
	w := h.StopTheWorld()
	defer w.Resume()
	for i := 1; i < w.Bound(); i++ {
		handle := heap.Handle(i)
		if m := w.ExtendedMetadata(handle); m.Pinned() && m.Frozen() {
			return fmt.Errorf("%s is both pinned and frozen", h.Describe(handle))
		}
	}
	return nil
}
