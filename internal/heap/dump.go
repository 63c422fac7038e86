package heap

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

type dumpRecord struct {
	handle Handle
	typ    string
	kind   string
	refs   int
	flags  string
}

// DumpString renders every object in handle order as an aligned table.
// It stops the world for a consistent view.
func (h *Heap) DumpString() string {
	w := h.StopTheWorld()
	defer w.Resume()
	return w.DumpString()
}

// DumpString renders the heap under an already held world.
func (w *World) DumpString() string {
	w.check()
	records := make([]dumpRecord, 0, w.Bound())
	typeWidth := runewidth.StringWidth("type")
	for i := 1; i < w.Bound(); i++ {
		handle := Handle(i)
		obj := w.heap.objs[i]
		refs := 0
		w.Edges(handle, func(Handle) { refs++ })
		rec := dumpRecord{
			handle: handle,
			typ:    obj.Type.Name,
			kind:   obj.Type.Kind.String(),
			refs:   refs,
			flags:  dumpFlags(obj.metadata()),
		}
		if width := runewidth.StringWidth(rec.typ); width > typeWidth {
			typeWidth = width
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%6s  %s  %-12s %4s  %s\n", "handle", runewidth.FillRight("type", typeWidth), "kind", "refs", "flags")
	for _, rec := range records {
		fmt.Fprintf(&sb, "%6d  %s  %-12s %4d  %s\n",
			rec.handle, runewidth.FillRight(rec.typ, typeWidth), rec.kind, rec.refs, rec.flags)
	}
	return sb.String()
}

func dumpFlags(m *Meta) string {
	if m == nil {
		return "-"
	}
	var parts []string
	if m.Frozen() {
		parts = append(parts, "frozen")
	}
	if m.Pinned() {
		parts = append(parts, "pinned")
	}
	if len(parts) == 0 {
		return "meta"
	}
	return strings.Join(parts, ",")
}
