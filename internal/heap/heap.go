// Package heap is the object model the freeze protocol runs against: typed
// objects addressed by handles, lazily attached metadata blocks carrying the
// pinned and frozen flags, and the world lock that serializes exclusive
// graph walks against mutators.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"

	"permafrost/internal/trace"
)

// Heap stores all runtime objects.
// Handles are monotonically increasing and never reused.
type Heap struct {
	types *Types

	// world is held shared by every mutator operation and exclusively by a
	// World token.
	world sync.RWMutex

	mu   sync.RWMutex
	objs []*Object // indexed by handle; objs[0] is the null slot

	// holder is the goroutine id of the World token owner, 0 when free.
	holder atomic.Uint64

	// epoch counts structural writes (reference stores and allocations).
	epoch atomic.Uint64
}

// New creates an empty heap over the given type table.
func New(types *Types) *Heap {
	if types == nil {
		types = NewTypes()
	}
	return &Heap{
		types: types,
		objs:  make([]*Object, 1, 128),
	}
}

// Types returns the heap's type table.
func (h *Heap) Types() *Types { return h.types }

// Count returns the number of allocated objects.
func (h *Heap) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objs) - 1
}

// enter takes the world lock shared. The World owner calling back into the
// heap would wait on itself forever, so that is reported instead.
func (h *Heap) enter() {
	if h.heldByCaller() {
		fatal(CodeReentrantFreeze, "heap operation from the goroutine holding the world")
	}
	h.world.RLock()
}

func (h *Heap) heldByCaller() bool {
	g := h.holder.Load()
	return g != 0 && g == trace.GoroutineID()
}

func (h *Heap) lookup(handle Handle) (*Object, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if handle == Nil || int(handle) >= len(h.objs) {
		return nil, false
	}
	obj := h.objs[handle]
	return obj, obj != nil
}

func (h *Heap) get(handle Handle) *Object {
	obj, ok := h.lookup(handle)
	if !ok {
		fatal(CodeInvalidHandle, "invalid handle %d", handle)
	}
	return obj
}

func (h *Heap) insert(obj *Object) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := safecast.Conv[uint32](len(h.objs))
	if err != nil {
		panic(fmt.Errorf("handle space exhausted: %w", err))
	}
	h.objs = append(h.objs, obj)
	h.epoch.Add(1)
	return Handle(n)
}

func (h *Heap) descriptor(id TypeID) (*TypeDescriptor, error) {
	desc := h.types.Lookup(id)
	if desc == nil {
		return nil, newError(CodeTypeMismatch, "unknown type id %d", id)
	}
	return desc, nil
}

// Alloc allocates a zeroed scalar object of the given type.
func (h *Heap) Alloc(id TypeID) (Handle, error) {
	desc, err := h.descriptor(id)
	if err != nil {
		return Nil, err
	}
	if desc.IsArray() {
		return Nil, newError(CodeTypeMismatch, "type %s is an array type; use AllocArray", desc.Name)
	}
	h.enter()
	defer h.world.RUnlock()
	return h.insert(newObject(desc)), nil
}

// AllocArray allocates an array of n zeroed elements.
func (h *Heap) AllocArray(id TypeID, n int) (Handle, error) {
	desc, err := h.descriptor(id)
	if err != nil {
		return Nil, err
	}
	if !desc.IsArray() {
		return Nil, newError(CodeTypeMismatch, "type %s is not an array type", desc.Name)
	}
	if n < 0 {
		return Nil, newError(CodeOutOfBounds, "negative array length %d", n)
	}
	obj := newObject(desc)
	obj.elems = make([]uint64, n)
	h.enter()
	defer h.world.RUnlock()
	return h.insert(obj), nil
}

// AllocString allocates a string object. The type must have KindString.
func (h *Heap) AllocString(id TypeID, s string) (Handle, error) {
	desc, err := h.descriptor(id)
	if err != nil {
		return Nil, err
	}
	if desc.Kind != KindString {
		return Nil, newError(CodeTypeMismatch, "type %s is not a string type", desc.Name)
	}
	obj := newObject(desc)
	obj.str = s
	h.enter()
	defer h.world.RUnlock()
	return h.insert(obj), nil
}

func (h *Heap) field(obj *Object, name string, ref bool) (int, error) {
	f, ok := obj.Type.Field(name)
	if !ok {
		return 0, newError(CodeNoSuchField, "type %s has no field %q", obj.Type.Name, name)
	}
	if f.Ref != ref {
		want := "scalar"
		if ref {
			want = "reference"
		}
		return 0, newError(CodeTypeMismatch, "field %s.%s is not a %s field", obj.Type.Name, name, want)
	}
	i, _ := obj.Type.slot(f.Offset)
	return i, nil
}

func (h *Heap) writeSlot(handle Handle, name string, ref bool, v uint64) error {
	h.enter()
	defer h.world.RUnlock()
	obj := h.get(handle)
	i, err := h.field(obj, name, ref)
	if err != nil {
		return err
	}
	if obj.frozen() {
		return newError(CodeInvalidMutability, "mutation attempt of frozen %s", h.describe(handle, obj))
	}
	obj.mu.Lock()
	obj.slots[i] = v
	obj.writes++
	obj.mu.Unlock()
	if ref {
		h.epoch.Add(1)
	}
	return nil
}

func (h *Heap) readSlot(handle Handle, name string, ref bool) (uint64, error) {
	h.enter()
	defer h.world.RUnlock()
	obj := h.get(handle)
	i, err := h.field(obj, name, ref)
	if err != nil {
		return 0, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.slots[i], nil
}

// SetRef stores target into the named reference field.
func (h *Heap) SetRef(obj Handle, name string, target Handle) error {
	if target != Nil {
		h.get(target)
	}
	return h.writeSlot(obj, name, true, uint64(target))
}

// Ref reads the named reference field.
func (h *Heap) Ref(obj Handle, name string) (Handle, error) {
	v, err := h.readSlot(obj, name, true)
	return Handle(v), err
}

// SetScalar stores v into the named scalar field.
func (h *Heap) SetScalar(obj Handle, name string, v int64) error {
	return h.writeSlot(obj, name, false, uint64(v))
}

// Scalar reads the named scalar field.
func (h *Heap) Scalar(obj Handle, name string) (int64, error) {
	v, err := h.readSlot(obj, name, false)
	return int64(v), err
}

func (h *Heap) arrayObject(handle Handle, index int, ref bool) (*Object, error) {
	obj := h.get(handle)
	if !obj.Type.IsArray() {
		return nil, newError(CodeTypeMismatch, "%s is not an array", h.describe(handle, obj))
	}
	if obj.Type.ElemRef != ref {
		return nil, newError(CodeTypeMismatch, "element kind mismatch for %s", h.describe(handle, obj))
	}
	if index < 0 || index >= len(obj.elems) {
		return nil, newError(CodeOutOfBounds, "index %d out of bounds for length %d", index, len(obj.elems))
	}
	return obj, nil
}

func (h *Heap) writeElem(handle Handle, index int, ref bool, v uint64) error {
	h.enter()
	defer h.world.RUnlock()
	obj, err := h.arrayObject(handle, index, ref)
	if err != nil {
		return err
	}
	if obj.frozen() {
		return newError(CodeInvalidMutability, "mutation attempt of frozen %s", h.describe(handle, obj))
	}
	obj.mu.Lock()
	obj.elems[index] = v
	obj.writes++
	obj.mu.Unlock()
	if ref {
		h.epoch.Add(1)
	}
	return nil
}

func (h *Heap) readElem(handle Handle, index int, ref bool) (uint64, error) {
	h.enter()
	defer h.world.RUnlock()
	obj, err := h.arrayObject(handle, index, ref)
	if err != nil {
		return 0, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.elems[index], nil
}

// SetElem stores target at index of a reference array.
func (h *Heap) SetElem(arr Handle, index int, target Handle) error {
	if target != Nil {
		h.get(target)
	}
	return h.writeElem(arr, index, true, uint64(target))
}

// Elem reads index of a reference array.
func (h *Heap) Elem(arr Handle, index int) (Handle, error) {
	v, err := h.readElem(arr, index, true)
	return Handle(v), err
}

// SetElemScalar stores v at index of a scalar array.
func (h *Heap) SetElemScalar(arr Handle, index int, v int64) error {
	return h.writeElem(arr, index, false, uint64(v))
}

// ElemScalar reads index of a scalar array.
func (h *Heap) ElemScalar(arr Handle, index int) (int64, error) {
	v, err := h.readElem(arr, index, false)
	return int64(v), err
}

// ArrayLen returns the length of an array object.
func (h *Heap) ArrayLen(arr Handle) (int, error) {
	obj := h.get(arr)
	if !obj.Type.IsArray() {
		return 0, newError(CodeTypeMismatch, "%s is not an array", h.describe(arr, obj))
	}
	return len(obj.elems), nil
}

// StringValue returns the contents of a string object.
func (h *Heap) StringValue(handle Handle) (string, error) {
	obj := h.get(handle)
	if obj.Type.Kind != KindString {
		return "", newError(CodeTypeMismatch, "%s is not a string", h.describe(handle, obj))
	}
	return obj.str, nil
}

// Version returns the number of field and element stores the object has seen.
func (h *Heap) Version(handle Handle) uint64 {
	h.enter()
	defer h.world.RUnlock()
	obj := h.get(handle)
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.writes
}

// TypeOf returns the descriptor of an object.
func (h *Heap) TypeOf(handle Handle) *TypeDescriptor {
	return h.get(handle).Type
}

// EnsureNeverFrozen pins the object so that every freeze attempt reaching
// it is blocked. Pinning is permanent. A frozen object cannot be pinned.
func (h *Heap) EnsureNeverFrozen(handle Handle) error {
	h.enter()
	defer h.world.RUnlock()
	obj := h.get(handle)
	meta := obj.ensureMetadata()
	if meta.Frozen() {
		return newError(CodeAlreadyFrozen, "%s is already frozen", h.describe(handle, obj))
	}
	meta.pin()
	return nil
}

// IsFrozen reports whether the object is frozen. Lock-free.
func (h *Heap) IsFrozen(handle Handle) bool {
	return h.get(handle).frozen()
}

// IsPinned reports whether the object is pinned. Lock-free.
func (h *Heap) IsPinned(handle Handle) bool {
	return h.get(handle).metadata().Pinned()
}

// HasMetadata reports whether a metadata block is attached.
func (h *Heap) HasMetadata(handle Handle) bool {
	return h.get(handle).metadata() != nil
}

// Describe renders an object as "<type>@<handle>" for diagnostics.
func (h *Heap) Describe(handle Handle) string {
	if handle == Nil {
		return "null"
	}
	obj, ok := h.lookup(handle)
	if !ok {
		return fmt.Sprintf("<invalid>@%d", handle)
	}
	return h.describe(handle, obj)
}

func (h *Heap) describe(handle Handle, obj *Object) string {
	return fmt.Sprintf("%s@%d", obj.Type.Name, handle)
}
