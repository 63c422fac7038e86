package freeze

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"permafrost/internal/heap"
)

// Hook reacts to an object being swept into a freeze attempt. It runs
// before the object's edges are read and may cut them through w. Hooks run
// whether or not the attempt commits, possibly many times for the same
// object, so they must be idempotent. Starting another freeze attempt or
// calling a heap mutator from a hook panics with heap.CodeReentrantFreeze.
type Hook func(w *heap.World, h heap.Handle)

var (
	// ErrDuplicateHook indicates a second hook for the same kind.
	ErrDuplicateHook = errors.New("freeze: duplicate hook")
	// ErrUnknownKind indicates a kind outside the closed kind set.
	ErrUnknownKind = errors.New("freeze: unknown object kind")
	// ErrSealed indicates registration after the table was sealed.
	ErrSealed = errors.New("freeze: hook table sealed")
)

// Hooks maps each object kind to at most one hook. Lookups are a single
// array index.
type Hooks struct {
	mu     sync.Mutex
	table  [heap.NumKinds]Hook
	sealed atomic.Bool
}

// NewHooks creates an empty table.
func NewHooks() *Hooks { return &Hooks{} }

// Register installs hook for kind.
func (r *Hooks) Register(kind heap.Kind, hook Hook) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if hook == nil {
		return fmt.Errorf("freeze: nil hook for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrSealed
	}
	if r.table[kind] != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateHook, kind)
	}
	r.table[kind] = hook
	return nil
}

// Seal makes the table read-only.
func (r *Hooks) Seal() { r.sealed.Store(true) }

// Sealed reports whether Seal was called.
func (r *Hooks) Sealed() bool { return r.sealed.Load() }

// Lookup returns the hook for kind, or nil.
func (r *Hooks) Lookup(kind heap.Kind) Hook {
	if !kind.Valid() {
		return nil
	}
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.table[kind]
}

// Run dispatches on the kind of h and reports whether a hook ran.
func (r *Hooks) Run(w *heap.World, h heap.Handle) bool {
	if r == nil {
		return false
	}
	hook := r.Lookup(w.Descriptor(h).Kind)
	if hook == nil {
		return false
	}
	hook(w, h)
	return true
}
