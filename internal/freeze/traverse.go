package freeze

import "permafrost/internal/heap"

// visitedSet is a dense bitset indexed by handle.
type visitedSet struct {
	bits []uint64
}

func newVisitedSet(bound int) visitedSet {
	return visitedSet{bits: make([]uint64, (bound+63)/64)}
}

// add marks h and reports whether it was unmarked before.
func (s *visitedSet) add(h heap.Handle) bool {
	word, bit := int(h/64), uint64(1)<<(h%64)
	if word >= len(s.bits) {
		grown := make([]uint64, word+1)
		copy(grown, s.bits)
		s.bits = grown
	}
	if s.bits[word]&bit != 0 {
		return false
	}
	s.bits[word] |= bit
	return true
}

// Traverse calls visit exactly once for root and for every object reachable
// from it, then returns the visited objects in visitation order.
//
// The walk is breadth-first over an explicit worklist. visit runs on an
// object before that object's edges are read, so visit may rewrite them.
// A null root yields an empty result.
func Traverse(w *heap.World, root heap.Handle, visit func(heap.Handle)) []heap.Handle {
	return traverse(w, root, visit, 0)
}

func traverse(w *heap.World, root heap.Handle, visit func(heap.Handle), capacity int) []heap.Handle {
	if root == heap.Nil {
		return nil
	}
	if capacity < 1 {
		capacity = 16
	}
	seen := newVisitedSet(w.Bound())
	// The worklist is never compacted: queue[:head] is the visited prefix,
	// and once drained the whole slice is the visited set.
	queue := make([]heap.Handle, 0, capacity)
	queue = append(queue, root)
	seen.add(root)
	enqueue := func(ref heap.Handle) {
		if seen.add(ref) {
			queue = append(queue, ref)
		}
	}
	for head := 0; head < len(queue); head++ {
		obj := queue[head]
		if visit != nil {
			visit(obj)
		}
		w.Edges(obj, enqueue)
	}
	w.VerifyEpoch()
	return queue
}
