// Package heapfile builds a heap from a TOML description of types and
// objects. It backs the CLI and test fixtures.
package heapfile

import (
	"fmt"
	"sort"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"golang.org/x/text/unicode/norm"

	"permafrost/internal/freeze"
	"permafrost/internal/heap"
	"permafrost/internal/worker"
)

type document struct {
	Types   []typeDecl   `toml:"type"`
	Objects []objectDecl `toml:"object"`
}

type typeDecl struct {
	Name    string      `toml:"name"`
	Kind    string      `toml:"kind"`
	Array   bool        `toml:"array"`
	ElemRef bool        `toml:"elem_ref"`
	Fields  []fieldDecl `toml:"fields"`
}

type fieldDecl struct {
	Name string `toml:"name"`
	Ref  bool   `toml:"ref"`
}

type objectDecl struct {
	Name    string            `toml:"name"`
	Type    string            `toml:"type"`
	Length  int64             `toml:"length"`
	Value   string            `toml:"value"`
	Refs    map[string]string `toml:"refs"`
	Scalars map[string]int64  `toml:"scalars"`
	Elems   []string          `toml:"elems"`
	Pinned  bool              `toml:"pinned"`
	Frozen  bool              `toml:"frozen"`
	// BoundTo and Worker declare a worker-bound reference.
	BoundTo string `toml:"bound_to"`
	Worker  int64  `toml:"worker"`
}

// Graph is a heap built from a description, with its object names.
type Graph struct {
	Heap    *heap.Heap
	Workers *worker.Registry
	// Names lists object names in declaration order; Objects maps them to
	// handles.
	Names   []string
	Objects map[string]heap.Handle
}

// Lookup returns the handle of a named object. Names compare in NFC.
func (g *Graph) Lookup(name string) (heap.Handle, error) {
	h, ok := g.Objects[normalize(name)]
	if !ok {
		known := append([]string(nil), g.Names...)
		sort.Strings(known)
		return heap.Nil, fmt.Errorf("unknown object %q (known: %s)", name, strings.Join(known, ", "))
	}
	return h, nil
}

// NameOf returns the declared name of h, or its description.
func (g *Graph) NameOf(h heap.Handle) string {
	for name, handle := range g.Objects {
		if handle == h {
			return name
		}
	}
	return g.Heap.Describe(h)
}

// Load reads and builds the description at path.
func Load(path string) (*Graph, error) {
	var doc document
	meta, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	return build(path, doc, meta)
}

// Parse builds a description held in memory; name labels errors.
func Parse(name, data string) (*Graph, error) {
	var doc document
	meta, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", name, err)
	}
	return build(name, doc, meta)
}

func build(path string, doc document, meta toml.MetaData) (*Graph, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	doc.normalize()
	types := heap.NewTypes()
	for i, td := range doc.Types {
		if err := defineType(types, td); err != nil {
			return nil, fmt.Errorf("%s: type[%d]: %w", path, i, err)
		}
	}
	h := heap.New(types)
	workers, err := worker.NewRegistry(h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g := &Graph{Heap: h, Workers: workers, Objects: make(map[string]heap.Handle, len(doc.Objects))}

	// Allocate first so references may point forward.
	for i, od := range doc.Objects {
		if od.Name == "" {
			return nil, fmt.Errorf("%s: object[%d]: missing name", path, i)
		}
		if _, dup := g.Objects[od.Name]; dup {
			return nil, fmt.Errorf("%s: object %q declared twice", path, od.Name)
		}
		handle, err := allocate(h, od)
		if err != nil {
			return nil, fmt.Errorf("%s: object %q: %w", path, od.Name, err)
		}
		g.Objects[od.Name] = handle
		g.Names = append(g.Names, od.Name)
	}
	for _, od := range doc.Objects {
		if err := g.wire(od); err != nil {
			return nil, fmt.Errorf("%s: object %q: %w", path, od.Name, err)
		}
	}
	for _, od := range doc.Objects {
		if od.Pinned && od.Frozen {
			return nil, fmt.Errorf("%s: object %q: cannot be both pinned and frozen", path, od.Name)
		}
		if od.Pinned {
			if err := h.EnsureNeverFrozen(g.Objects[od.Name]); err != nil {
				return nil, fmt.Errorf("%s: object %q: %w", path, od.Name, err)
			}
		}
	}
	if err := g.freezeDeclared(doc.Objects); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// freezeDeclared freezes the subgraph of every object declared frozen, so a
// loaded frozen object never reaches a mutable one. Worker-bound references
// in those subgraphs are detached as they would be at run time.
func (g *Graph) freezeDeclared(objects []objectDecl) error {
	hooks := freeze.NewHooks()
	if err := g.Workers.Install(hooks); err != nil {
		return err
	}
	f := freeze.New(g.Heap, freeze.Options{Hooks: hooks})
	for _, od := range objects {
		if !od.Frozen {
			continue
		}
		if err := f.FreezeErr(g.Objects[od.Name]); err != nil {
			return fmt.Errorf("object %q: frozen = true: %w", od.Name, err)
		}
	}
	return nil
}

// normalize puts every name into NFC so that composed and decomposed
// spellings of the same name refer to the same type, field or object.
func (d *document) normalize() {
	for i := range d.Types {
		td := &d.Types[i]
		td.Name = normalize(td.Name)
		for j := range td.Fields {
			td.Fields[j].Name = normalize(td.Fields[j].Name)
		}
	}
	for i := range d.Objects {
		od := &d.Objects[i]
		od.Name = normalize(od.Name)
		od.Type = normalize(od.Type)
		od.BoundTo = normalize(od.BoundTo)
		for j, name := range od.Elems {
			od.Elems[j] = normalize(name)
		}
		od.Refs = normalizeKeys(od.Refs, normalize)
		od.Scalars = normalizeKeys(od.Scalars, func(v int64) int64 { return v })
	}
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeKeys[V any](m map[string]V, value func(V) V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[normalize(k)] = value(v)
	}
	return out
}

func defineType(types *heap.Types, td typeDecl) error {
	if td.Name == "" {
		return fmt.Errorf("missing name")
	}
	if td.Array {
		if len(td.Fields) > 0 {
			return fmt.Errorf("array type %q cannot declare fields", td.Name)
		}
		_, err := types.DefineArray(td.Name, td.ElemRef)
		return err
	}
	kind, err := parseKind(td.Kind)
	if err != nil {
		return fmt.Errorf("type %q: %w", td.Name, err)
	}
	fields := make([]heap.FieldSpec, len(td.Fields))
	for i, f := range td.Fields {
		fields[i] = heap.FieldSpec{Name: f.Name, Ref: f.Ref}
	}
	_, err = types.DefineObject(td.Name, kind, fields)
	return err
}

func parseKind(s string) (heap.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "object":
		return heap.KindObject, nil
	case "string":
		return heap.KindString, nil
	default:
		return 0, fmt.Errorf("invalid kind %q (expected: object|string)", s)
	}
}

func allocate(h *heap.Heap, od objectDecl) (heap.Handle, error) {
	if od.Type == "" && od.BoundTo != "" {
		od.Type = worker.TypeName
	}
	desc := h.Types().ByName(od.Type)
	if desc == nil {
		return heap.Nil, fmt.Errorf("unknown type %q", od.Type)
	}
	switch {
	case desc.IsArray():
		n := od.Length
		if n == 0 {
			n = int64(len(od.Elems))
		}
		length, err := safecast.Conv[int](n)
		if err != nil {
			return heap.Nil, fmt.Errorf("length: %w", err)
		}
		if len(od.Elems) > length {
			return heap.Nil, fmt.Errorf("%d elems exceed length %d", len(od.Elems), length)
		}
		return h.AllocArray(desc.ID, length)
	case desc.Kind == heap.KindString:
		return h.AllocString(desc.ID, od.Value)
	default:
		return h.Alloc(desc.ID)
	}
}

func (g *Graph) resolve(name string) (heap.Handle, error) {
	if name == "" {
		return heap.Nil, nil
	}
	h, ok := g.Objects[name]
	if !ok {
		return heap.Nil, fmt.Errorf("reference to unknown object %q", name)
	}
	return h, nil
}

func (g *Graph) wire(od objectDecl) error {
	h := g.Objects[od.Name]
	desc := g.Heap.TypeOf(h)

	if od.BoundTo != "" || desc.Kind == heap.KindWorkerBound {
		owner, err := safecast.Conv[uint32](od.Worker)
		if err != nil || owner == 0 {
			return fmt.Errorf("worker-bound reference needs worker >= 1, got %d", od.Worker)
		}
		target, err := g.resolve(od.BoundTo)
		if err != nil {
			return err
		}
		g.Workers.Reserve(worker.ID(owner))
		if err := g.Heap.SetScalar(h, "owner", int64(owner)); err != nil {
			return err
		}
		return g.Heap.SetRef(h, "value", target)
	}

	for _, field := range sortedKeys(od.Refs) {
		target, err := g.resolve(od.Refs[field])
		if err != nil {
			return err
		}
		if err := g.Heap.SetRef(h, field, target); err != nil {
			return err
		}
	}
	for _, field := range sortedKeys(od.Scalars) {
		if err := g.Heap.SetScalar(h, field, od.Scalars[field]); err != nil {
			return err
		}
	}
	for i, name := range od.Elems {
		target, err := g.resolve(name)
		if err != nil {
			return fmt.Errorf("elems[%d]: %w", i, err)
		}
		if target == heap.Nil {
			continue
		}
		if err := g.Heap.SetElem(h, i, target); err != nil {
			return fmt.Errorf("elems[%d]: %w", i, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
