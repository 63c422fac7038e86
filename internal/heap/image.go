package heap

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when the image layout changes.
const imageSchemaVersion uint16 = 1

// imagePayload is the msgpack form of a whole heap: type table, objects in
// handle order, and their metadata flags.
type imagePayload struct {
	Schema  uint16
	Types   []imageType
	Objects []imageObject
}

type imageType struct {
	Name    string
	Kind    uint8
	Fields  []imageField
	ElemRef bool
}

type imageField struct {
	Name string
	Ref  bool
}

type imageObject struct {
	Type    uint32
	Slots   []uint64
	Elems   []uint64
	Str     string
	HasMeta bool
	Pinned  bool
	Frozen  bool
}

// EncodeImage writes a consistent snapshot of the heap to out.
func (h *Heap) EncodeImage(out io.Writer) error {
	w := h.StopTheWorld()
	defer w.Resume()

	payload := imagePayload{Schema: imageSchemaVersion}
	for _, desc := range h.types.All() {
		it := imageType{Name: desc.Name, Kind: uint8(desc.Kind), ElemRef: desc.ElemRef}
		for _, f := range desc.Fields {
			it.Fields = append(it.Fields, imageField{Name: f.Name, Ref: f.Ref})
		}
		payload.Types = append(payload.Types, it)
	}
	for i := 1; i < w.Bound(); i++ {
		obj := h.objs[i]
		rec := imageObject{
			Type:  uint32(obj.Type.ID),
			Slots: obj.slots,
			Elems: obj.elems,
			Str:   obj.str,
		}
		if m := obj.metadata(); m != nil {
			rec.HasMeta = true
			rec.Pinned = m.Pinned()
			rec.Frozen = m.Frozen()
		}
		payload.Objects = append(payload.Objects, rec)
	}

	enc := msgpack.NewEncoder(out)
	if err := enc.Encode(&payload); err != nil {
		return fmt.Errorf("encode heap image: %w", err)
	}
	return nil
}

// DecodeImage rebuilds a heap from an image written by EncodeImage. Handles
// and type ids are preserved.
func DecodeImage(in io.Reader) (*Heap, error) {
	var payload imagePayload
	if err := msgpack.NewDecoder(in).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode heap image: %w", err)
	}
	if payload.Schema != imageSchemaVersion {
		return nil, newError(CodeBadImage, "unsupported image schema %d (want %d)", payload.Schema, imageSchemaVersion)
	}

	types := NewTypes()
	for _, it := range payload.Types {
		kind := Kind(it.Kind)
		var err error
		if kind == KindArray {
			_, err = types.DefineArray(it.Name, it.ElemRef)
		} else {
			fields := make([]FieldSpec, len(it.Fields))
			for i, f := range it.Fields {
				fields[i] = FieldSpec{Name: f.Name, Ref: f.Ref}
			}
			_, err = types.DefineObject(it.Name, kind, fields)
		}
		if err != nil {
			return nil, fmt.Errorf("decode heap image: %w", err)
		}
	}

	h := New(types)
	for i, rec := range payload.Objects {
		desc := types.Lookup(TypeID(rec.Type))
		if desc == nil {
			return nil, newError(CodeBadImage, "object %d: unknown type id %d", i+1, rec.Type)
		}
		obj := newObject(desc)
		if !desc.IsArray() && len(rec.Slots) != len(desc.Fields) {
			return nil, newError(CodeBadImage, "object %d: %d slots for %d fields", i+1, len(rec.Slots), len(desc.Fields))
		}
		if len(rec.Slots) > 0 {
			obj.slots = rec.Slots
		}
		obj.elems = rec.Elems
		obj.str = rec.Str
		if rec.HasMeta {
			m := obj.ensureMetadata()
			if rec.Pinned {
				m.pin()
			}
			if rec.Frozen {
				m.MarkFrozen()
			}
		}
		h.objs = append(h.objs, obj)
	}
	if err := h.validateRefs(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Heap) validateRefs() error {
	bound := uint64(len(h.objs))
	for i := 1; i < len(h.objs); i++ {
		obj := h.objs[i]
		check := func(v uint64) error {
			if v >= bound {
				return newError(CodeBadImage, "object %d references invalid handle %d", i, v)
			}
			return nil
		}
		if obj.Type.IsArray() {
			if !obj.Type.ElemRef {
				continue
			}
			for _, e := range obj.elems {
				if err := check(e); err != nil {
					return err
				}
			}
			continue
		}
		for j, f := range obj.Type.Fields {
			if f.Ref {
				if err := check(obj.slots[j]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
