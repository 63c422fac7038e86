package heap

import (
	"sync/atomic"

	"permafrost/internal/trace"
)

// World is the capability to walk and rewrite the object graph. It is only
// obtainable through StopTheWorld, which excludes every mutator for as long
// as the token is held. Every accessor panics once the token is released.
type World struct {
	heap     *Heap
	epoch    uint64
	released atomic.Bool
	freezing bool
}

// StopTheWorld blocks until all in-flight mutator operations finish, then
// returns an exclusive token. The caller must call Resume. Stopping the
// world again from the goroutine that already holds it panics with
// CodeReentrantFreeze.
func (h *Heap) StopTheWorld() *World {
	if h.heldByCaller() {
		fatal(CodeReentrantFreeze, "world already stopped by this goroutine")
	}
	h.world.Lock()
	h.holder.Store(trace.GoroutineID())
	return &World{heap: h, epoch: h.epoch.Load()}
}

// Resume releases the world. Calling it twice panics.
func (w *World) Resume() {
	if !w.released.CompareAndSwap(false, true) {
		fatal(CodeWorldReleased, "world resumed twice")
	}
	w.heap.holder.Store(0)
	w.heap.world.Unlock()
}

func (w *World) check() {
	if w == nil || w.released.Load() {
		fatal(CodeWorldReleased, "world token used after Resume")
	}
}

// Heap returns the heap this token excludes.
func (w *World) Heap() *Heap {
	w.check()
	return w.heap
}

// Bound returns one past the largest handle allocated so far.
func (w *World) Bound() int {
	w.check()
	return len(w.heap.objs)
}

func (w *World) object(h Handle) *Object {
	w.check()
	return w.heap.get(h)
}

// Descriptor returns the type descriptor of h.
func (w *World) Descriptor(h Handle) *TypeDescriptor {
	return w.object(h).Type
}

// ReadReferenceField reads the reference stored at a byte offset taken from
// the descriptor's RefOffsets.
func (w *World) ReadReferenceField(h Handle, offset uint32) Handle {
	obj := w.object(h)
	i, ok := obj.Type.slot(offset)
	if !ok || !obj.Type.Fields[i].Ref {
		fatal(CodeNoSuchField, "no reference field at offset %d in %s", offset, obj.Type.Name)
	}
	return Handle(obj.slots[i])
}

// WriteReferenceField stores v at a reference offset. Hooks use it to cut
// edges before the walk reads them. Frozen objects are immutable here too.
func (w *World) WriteReferenceField(h Handle, offset uint32, v Handle) {
	obj := w.object(h)
	i, ok := obj.Type.slot(offset)
	if !ok || !obj.Type.Fields[i].Ref {
		fatal(CodeNoSuchField, "no reference field at offset %d in %s", offset, obj.Type.Name)
	}
	if obj.frozen() {
		fatal(CodeInvalidMutability, "mutation attempt of frozen %s", w.heap.describe(h, obj))
	}
	if v != Nil {
		w.heap.get(v)
	}
	obj.slots[i] = uint64(v)
	obj.writes++
	w.epoch = w.heap.epoch.Add(1)
}

// Version is Heap.Version under the held world.
func (w *World) Version(h Handle) uint64 {
	return w.object(h).writes
}

// ReadScalarField reads the scalar stored at a byte offset.
func (w *World) ReadScalarField(h Handle, offset uint32) int64 {
	obj := w.object(h)
	i, ok := obj.Type.slot(offset)
	if !ok || obj.Type.Fields[i].Ref {
		fatal(CodeNoSuchField, "no scalar field at offset %d in %s", offset, obj.Type.Name)
	}
	return int64(obj.slots[i])
}

// ArrayLength returns the element count of an array object.
func (w *World) ArrayLength(h Handle) int {
	obj := w.object(h)
	if !obj.Type.IsArray() {
		fatal(CodeTypeMismatch, "%s is not an array", w.heap.describe(h, obj))
	}
	return len(obj.elems)
}

// ReadArrayElement reads a reference element. Scalar arrays have no
// reference elements and always yield Nil.
func (w *World) ReadArrayElement(h Handle, index int) Handle {
	obj := w.object(h)
	if !obj.Type.IsArray() {
		fatal(CodeTypeMismatch, "%s is not an array", w.heap.describe(h, obj))
	}
	if index < 0 || index >= len(obj.elems) {
		fatal(CodeOutOfBounds, "index %d out of bounds for length %d", index, len(obj.elems))
	}
	if !obj.Type.ElemRef {
		return Nil
	}
	return Handle(obj.elems[index])
}

// Edges calls fn for every non-null outgoing reference of h: fields in
// offset order for scalar objects, elements in index order for arrays.
func (w *World) Edges(h Handle, fn func(Handle)) {
	obj := w.object(h)
	desc := obj.Type
	if desc.IsArray() {
		if !desc.ElemRef {
			return
		}
		for _, e := range obj.elems {
			if e != 0 {
				fn(Handle(e))
			}
		}
		return
	}
	for _, off := range desc.RefOffsets {
		if ref := w.ReadReferenceField(h, off); ref != Nil {
			fn(ref)
		}
	}
}

// ExtendedMetadata returns the metadata block of h, or nil if none has been
// attached.
func (w *World) ExtendedMetadata(h Handle) *Meta {
	return w.object(h).metadata()
}

// EnsureExtendedMetadata returns the metadata block of h, attaching a fresh
// one on first use.
func (w *World) EnsureExtendedMetadata(h Handle) *Meta {
	return w.object(h).ensureMetadata()
}

// VerifyEpoch panics if the graph changed behind the token's back.
func (w *World) VerifyEpoch() {
	w.check()
	if got := w.heap.epoch.Load(); got != w.epoch {
		fatal(CodeStructuralHazard, "heap mutated during exclusive walk (epoch %d, want %d)", got, w.epoch)
	}
}

// EnterFreeze marks the token as running a freeze attempt. A nested attempt
// on the same token panics.
func (w *World) EnterFreeze() {
	w.check()
	if w.freezing {
		fatal(CodeReentrantFreeze, "freeze attempt started from inside a freeze attempt")
	}
	w.freezing = true
}

// ExitFreeze clears the mark set by EnterFreeze.
func (w *World) ExitFreeze() {
	w.freezing = false
}
