// Package worker implements references bound to a single logical thread of
// execution. A bound reference may sit inside a frozen subgraph, but only
// its owner can reach the referent.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"permafrost/internal/freeze"
	"permafrost/internal/heap"
)

// ID identifies a worker. The zero ID is never assigned.
type ID uint32

// TypeName is the name of the worker-bound reference type.
const TypeName = "WorkerBoundReference"

const (
	fieldOwner = "owner"
	fieldValue = "value"
)

var (
	// ErrWrongWorker is returned when a worker dereferences a reference it
	// does not own.
	ErrWrongWorker = errors.New("worker: reference is bound to another worker")
	// ErrNotBound is returned for objects that are not worker-bound references.
	ErrNotBound = errors.New("worker: not a worker-bound reference")
)

// DefineType registers the worker-bound reference type.
func DefineType(types *heap.Types) (heap.TypeID, error) {
	return types.DefineObject(TypeName, heap.KindWorkerBound, []heap.FieldSpec{
		{Name: fieldOwner, Ref: false},
		{Name: fieldValue, Ref: true},
	})
}

// Registry hands out worker ids and owns the referents that freeze attempts
// detached from their references.
type Registry struct {
	heap   *heap.Heap
	typeID heap.TypeID
	nextID atomic.Uint32

	// mu is never held while acquiring the heap's world lock.
	mu       sync.Mutex
	detached map[heap.Handle]detachedValue
}

// detachedValue is a referent cut out of its reference by a freeze attempt.
// It stays reachable through Value only while the reference has not been
// written since.
type detachedValue struct {
	value   heap.Handle
	version uint64
}

// NewRegistry binds a registry to h, defining the reference type if the
// heap's type table does not have it yet.
func NewRegistry(h *heap.Heap) (*Registry, error) {
	var id heap.TypeID
	if desc := h.Types().ByName(TypeName); desc != nil {
		if desc.Kind != heap.KindWorkerBound {
			return nil, fmt.Errorf("worker: type %s has kind %s", TypeName, desc.Kind)
		}
		id = desc.ID
	} else {
		var err error
		if id, err = DefineType(h.Types()); err != nil {
			return nil, err
		}
	}
	return &Registry{
		heap:     h,
		typeID:   id,
		detached: make(map[heap.Handle]detachedValue),
	}, nil
}

// NewWorker allocates a fresh worker id.
func (r *Registry) NewWorker() ID {
	return ID(r.nextID.Add(1))
}

// Reserve makes sure NewWorker never hands out id or anything below it.
// Loaders that restore references with explicit owners call it.
func (r *Registry) Reserve(id ID) {
	for {
		cur := r.nextID.Load()
		if cur >= uint32(id) || r.nextID.CompareAndSwap(cur, uint32(id)) {
			return
		}
	}
}

// Bind allocates a reference to value owned by owner.
func (r *Registry) Bind(owner ID, value heap.Handle) (heap.Handle, error) {
	if owner == 0 {
		return heap.Nil, fmt.Errorf("worker: invalid owner 0")
	}
	ref, err := r.heap.Alloc(r.typeID)
	if err != nil {
		return heap.Nil, err
	}
	if err := r.heap.SetScalar(ref, fieldOwner, int64(owner)); err != nil {
		return heap.Nil, err
	}
	if err := r.heap.SetRef(ref, fieldValue, value); err != nil {
		return heap.Nil, err
	}
	return ref, nil
}

// Owner returns the worker that owns ref.
func (r *Registry) Owner(ref heap.Handle) (ID, error) {
	if r.heap.TypeOf(ref).Kind != heap.KindWorkerBound {
		return 0, ErrNotBound
	}
	v, err := r.heap.Scalar(ref, fieldOwner)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// Value dereferences ref on behalf of caller.
func (r *Registry) Value(caller ID, ref heap.Handle) (heap.Handle, error) {
	if err := r.checkOwner(caller, ref); err != nil {
		return heap.Nil, err
	}
	v, err := r.heap.Ref(ref, fieldValue)
	if err != nil || v != heap.Nil {
		return v, err
	}
	version := r.heap.Version(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detached[ref]
	if !ok {
		return heap.Nil, nil
	}
	if d.version != version {
		// The owner stored into ref after the cut.
		delete(r.detached, ref)
		return heap.Nil, nil
	}
	return d.value, nil
}

// Set stores value into ref on behalf of caller. Frozen references reject
// the store with heap.CodeInvalidMutability.
func (r *Registry) Set(caller ID, ref, value heap.Handle) error {
	if err := r.checkOwner(caller, ref); err != nil {
		return err
	}
	return r.heap.SetRef(ref, fieldValue, value)
}

func (r *Registry) checkOwner(caller ID, ref heap.Handle) error {
	owner, err := r.Owner(ref)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%w: %s is owned by worker %d, not %d", ErrWrongWorker, r.heap.Describe(ref), owner, caller)
	}
	return nil
}

// Detached reports whether a freeze attempt has moved the referent of ref
// out of the object graph and the owner has not stored into ref since.
func (r *Registry) Detached(ref heap.Handle) bool {
	version := r.heap.Version(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detached[ref]
	return ok && d.version == version
}

// FreezeHook cuts the edge from ref to its referent before the freeze walk
// reads it, so the referent stays mutable and owned by its worker. A frozen
// ref has already been cut and is left alone.
func (r *Registry) FreezeHook(w *heap.World, ref heap.Handle) {
	if w.ExtendedMetadata(ref).Frozen() {
		return
	}
	f, ok := w.Descriptor(ref).Field(fieldValue)
	if !ok {
		return
	}
	v := w.ReadReferenceField(ref, f.Offset)
	if v == heap.Nil {
		return
	}
	w.WriteReferenceField(ref, f.Offset, heap.Nil)
	r.mu.Lock()
	r.detached[ref] = detachedValue{value: v, version: w.Version(ref)}
	r.mu.Unlock()
}

// Install registers FreezeHook for worker-bound references.
func (r *Registry) Install(hooks *freeze.Hooks) error {
	return hooks.Register(heap.KindWorkerBound, r.FreezeHook)
}
