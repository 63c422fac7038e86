package heap

import (
	"fmt"
	"sync"

	"fortio.org/safecast"
)

// Layout constants for scalar objects: a fixed header followed by one word
// per declared field.
const (
	HeaderSize uint32 = 16
	WordSize   uint32 = 8
)

// TypeID identifies a type descriptor. TypeID(0) is always invalid.
type TypeID uint32

// Kind is the closed set of object kinds. Freeze hooks are keyed by Kind.
type Kind uint8

const (
	KindObject Kind = iota
	KindArray
	KindString
	KindWorkerBound

	// NumKinds bounds the set; it is not a valid kind.
	NumKinds
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindWorkerBound:
		return "worker-bound"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool { return k < NumKinds }

// FieldSpec declares one field when defining a scalar type.
type FieldSpec struct {
	Name string
	Ref  bool
}

// FieldDesc is a laid-out field.
type FieldDesc struct {
	Name   string
	Ref    bool
	Offset uint32
}

// TypeDescriptor is shared, read-only layout information for one type.
type TypeDescriptor struct {
	ID     TypeID
	Name   string
	Kind   Kind
	Fields []FieldDesc
	// RefOffsets holds the byte offsets of reference-typed fields, in
	// declaration order. Empty for arrays.
	RefOffsets []uint32
	Size       uint32
	// ElemRef is set for arrays whose elements are references.
	ElemRef bool

	fieldIndex map[string]int
}

// IsArray reports whether elements are accessed by index.
func (d *TypeDescriptor) IsArray() bool { return d.Kind == KindArray }

// Field returns the descriptor of the named field.
func (d *TypeDescriptor) Field(name string) (FieldDesc, bool) {
	i, ok := d.fieldIndex[name]
	if !ok {
		return FieldDesc{}, false
	}
	return d.Fields[i], true
}

// slot maps a byte offset to a word slot index.
func (d *TypeDescriptor) slot(offset uint32) (int, bool) {
	if offset < HeaderSize || (offset-HeaderSize)%WordSize != 0 {
		return 0, false
	}
	i := int((offset - HeaderSize) / WordSize)
	if i >= len(d.Fields) {
		return 0, false
	}
	return i, true
}

// Types is the table of type descriptors. Types are defined up front and
// never change afterwards.
type Types struct {
	mu     sync.RWMutex
	descs  []*TypeDescriptor
	byName map[string]TypeID
}

// NewTypes creates an empty type table.
func NewTypes() *Types {
	return &Types{byName: make(map[string]TypeID)}
}

// DefineObject registers a scalar type with the given fields.
func (t *Types) DefineObject(name string, kind Kind, fields []FieldSpec) (TypeID, error) {
	if kind == KindArray || !kind.Valid() {
		return 0, newError(CodeTypeMismatch, "type %q: kind %s is not a scalar kind", name, kind)
	}
	desc := &TypeDescriptor{
		Name:       name,
		Kind:       kind,
		Fields:     make([]FieldDesc, 0, len(fields)),
		fieldIndex: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := desc.fieldIndex[f.Name]; dup {
			return 0, newError(CodeDuplicateType, "type %q: duplicate field %q", name, f.Name)
		}
		idx, err := safecast.Conv[uint32](i)
		if err != nil {
			return 0, fmt.Errorf("type %q: field index overflow: %w", name, err)
		}
		off := HeaderSize + idx*WordSize
		desc.fieldIndex[f.Name] = i
		desc.Fields = append(desc.Fields, FieldDesc{Name: f.Name, Ref: f.Ref, Offset: off})
		if f.Ref {
			desc.RefOffsets = append(desc.RefOffsets, off)
		}
	}
	n, err := safecast.Conv[uint32](len(fields))
	if err != nil {
		return 0, fmt.Errorf("type %q: field count overflow: %w", name, err)
	}
	desc.Size = HeaderSize + n*WordSize
	return t.add(desc)
}

// DefineArray registers an array type. elemRef selects reference elements
// over scalar ones.
func (t *Types) DefineArray(name string, elemRef bool) (TypeID, error) {
	return t.add(&TypeDescriptor{
		Name:    name,
		Kind:    KindArray,
		Size:    HeaderSize,
		ElemRef: elemRef,
	})
}

func (t *Types) add(desc *TypeDescriptor) (TypeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.byName[desc.Name]; dup {
		return 0, newError(CodeDuplicateType, "type %q already defined", desc.Name)
	}
	n, err := safecast.Conv[uint32](len(t.descs) + 1)
	if err != nil {
		return 0, fmt.Errorf("len(types) overflow: %w", err)
	}
	desc.ID = TypeID(n)
	t.descs = append(t.descs, desc)
	t.byName[desc.Name] = desc.ID
	return desc.ID, nil
}

// Lookup returns the descriptor for id, or nil.
func (t *Types) Lookup(id TypeID) *TypeDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) > len(t.descs) {
		return nil
	}
	return t.descs[id-1]
}

// ByName returns the descriptor registered under name, or nil.
func (t *Types) ByName(name string) *TypeDescriptor {
	t.mu.RLock()
	id, ok := t.byName[name]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.Lookup(id)
}

// All returns every descriptor in definition order.
func (t *Types) All() []*TypeDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*TypeDescriptor(nil), t.descs...)
}
