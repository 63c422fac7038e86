package freeze

import (
	"fmt"

	"permafrost/internal/heap"
)

// Outcome is the result of one freeze attempt: either every visited object
// is now frozen, or the attempt was blocked by a pinned object and nothing
// changed.
type Outcome struct {
	blocker heap.Handle
	visited int
}

// Frozen reports whether the attempt committed.
func (o Outcome) Frozen() bool { return o.blocker == heap.Nil }

// Blocker returns the pinned object that blocked the attempt, or heap.Nil.
func (o Outcome) Blocker() heap.Handle { return o.blocker }

// Visited returns the size of the visited set.
func (o Outcome) Visited() int { return o.visited }

func (o Outcome) String() string {
	if o.Frozen() {
		return fmt.Sprintf("frozen (%d objects)", o.visited)
	}
	return fmt.Sprintf("blocked by @%d (%d objects visited)", o.blocker, o.visited)
}
