package heap

import (
	"sync"
	"sync/atomic"
)

// Handle is a stable, monotonically increasing reference to a heap object.
// Handle(0) is the null reference.
type Handle uint32

// Nil is the null reference.
const Nil Handle = 0

// Meta is the extended metadata block, attached on demand.
// Both flags only ever go from false to true.
type Meta struct {
	pinned atomic.Bool
	frozen atomic.Bool
}

// Pinned reports whether the object must never be frozen.
func (m *Meta) Pinned() bool { return m != nil && m.pinned.Load() }

// Frozen reports whether the object is frozen.
func (m *Meta) Frozen() bool { return m != nil && m.frozen.Load() }

// MarkFrozen sets the frozen flag. Only the freeze commit calls it, and only
// while holding the world.
func (m *Meta) MarkFrozen() { m.frozen.Store(true) }

func (m *Meta) pin() { m.pinned.Store(true) }

// Object is a typed heap object.
type Object struct {
	Type *TypeDescriptor

	// mu guards slots and elems for mutator writes; the world lock orders
	// those writes against exclusive walks.
	mu    sync.Mutex
	slots []uint64 // one word per field; reference fields hold a Handle
	elems []uint64 // array elements; reference arrays hold Handles
	str   string

	// writes counts stores into slots and elems.
	writes uint64

	meta atomic.Pointer[Meta]
}

func newObject(desc *TypeDescriptor) *Object {
	obj := &Object{Type: desc}
	if !desc.IsArray() && len(desc.Fields) > 0 {
		obj.slots = make([]uint64, len(desc.Fields))
	}
	return obj
}

// metadata returns the block or nil. Lock-free.
func (o *Object) metadata() *Meta { return o.meta.Load() }

// ensureMetadata attaches a block if none exists. Concurrent callers agree
// on a single block.
func (o *Object) ensureMetadata() *Meta {
	if m := o.meta.Load(); m != nil {
		return m
	}
	fresh := &Meta{}
	if o.meta.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return o.meta.Load()
}

func (o *Object) frozen() bool { return o.metadata().Frozen() }
