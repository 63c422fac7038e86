package freeze

import (
	"fmt"

	"permafrost/internal/heap"
)

// Error reports a blocked freeze attempt to callers that want an error
// rather than an Outcome.
type Error struct {
	Root        heap.Handle
	Blocker     heap.Handle
	RootDesc    string
	BlockerDesc string
}

func (e *Error) Error() string {
	return fmt.Sprintf("freezing of %s has failed, first blocker is %s", e.RootDesc, e.BlockerDesc)
}

// Err converts the outcome of an attempt on root into an error: nil when
// frozen, a *Error naming the blocker otherwise.
func (o Outcome) Err(h *heap.Heap, root heap.Handle) error {
	if o.Frozen() {
		return nil
	}
	return &Error{
		Root:        root,
		Blocker:     o.blocker,
		RootDesc:    h.Describe(root),
		BlockerDesc: h.Describe(o.blocker),
	}
}
