package heap_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"permafrost/internal/heap"
)

type fixture struct {
	heap *heap.Heap
	node heap.TypeID
	arr  heap.TypeID
	ints heap.TypeID
	str  heap.TypeID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	types := heap.NewTypes()
	node, err := types.DefineObject("Node", heap.KindObject, []heap.FieldSpec{
		{Name: "count", Ref: false},
		{Name: "left", Ref: true},
		{Name: "right", Ref: true},
	})
	if err != nil {
		t.Fatalf("define Node: %v", err)
	}
	arr, err := types.DefineArray("Array<Node>", true)
	if err != nil {
		t.Fatalf("define array: %v", err)
	}
	ints, err := types.DefineArray("IntArray", false)
	if err != nil {
		t.Fatalf("define int array: %v", err)
	}
	str, err := types.DefineObject("String", heap.KindString, nil)
	if err != nil {
		t.Fatalf("define String: %v", err)
	}
	return fixture{heap: heap.New(types), node: node, arr: arr, ints: ints, str: str}
}

func (f fixture) alloc(t *testing.T) heap.Handle {
	t.Helper()
	h, err := f.heap.Alloc(f.node)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	return h
}

func TestTypeLayoutOffsets(t *testing.T) {
	f := newFixture(t)
	desc := f.heap.Types().Lookup(f.node)
	if desc == nil {
		t.Fatal("Node descriptor missing")
	}
	want := []uint32{heap.HeaderSize + heap.WordSize, heap.HeaderSize + 2*heap.WordSize}
	if len(desc.RefOffsets) != len(want) {
		t.Fatalf("RefOffsets = %v, want %v", desc.RefOffsets, want)
	}
	for i := range want {
		if desc.RefOffsets[i] != want[i] {
			t.Fatalf("RefOffsets = %v, want %v", desc.RefOffsets, want)
		}
	}
	if desc.Size != heap.HeaderSize+3*heap.WordSize {
		t.Errorf("Size = %d, want %d", desc.Size, heap.HeaderSize+3*heap.WordSize)
	}
	if desc.IsArray() {
		t.Error("Node must not be an array type")
	}
	if !f.heap.Types().Lookup(f.arr).IsArray() {
		t.Error("Array<Node> must be an array type")
	}
}

func TestDuplicateTypeRejected(t *testing.T) {
	types := heap.NewTypes()
	if _, err := types.DefineArray("A", true); err != nil {
		t.Fatalf("first define: %v", err)
	}
	_, err := types.DefineArray("A", false)
	if !heap.HasCode(err, heap.CodeDuplicateType) {
		t.Fatalf("expected %v, got %v", heap.CodeDuplicateType, err)
	}
	_, err = types.DefineObject("B", heap.KindObject, []heap.FieldSpec{{Name: "x"}, {Name: "x"}})
	if !heap.HasCode(err, heap.CodeDuplicateType) {
		t.Fatalf("expected duplicate field error, got %v", err)
	}
	_, err = types.DefineObject("C", heap.KindArray, nil)
	if !heap.HasCode(err, heap.CodeTypeMismatch) {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestFieldsAndElements(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	b := f.alloc(t)

	if err := f.heap.SetRef(a, "left", b); err != nil {
		t.Fatalf("SetRef: %v", err)
	}
	if err := f.heap.SetScalar(a, "count", -3); err != nil {
		t.Fatalf("SetScalar: %v", err)
	}
	if got, _ := f.heap.Ref(a, "left"); got != b {
		t.Errorf("left = %d, want %d", got, b)
	}
	if got, _ := f.heap.Scalar(a, "count"); got != -3 {
		t.Errorf("count = %d, want -3", got)
	}
	if err := f.heap.SetRef(a, "count", b); !heap.HasCode(err, heap.CodeTypeMismatch) {
		t.Errorf("expected type mismatch storing ref in scalar field, got %v", err)
	}
	if err := f.heap.SetRef(a, "middle", b); !heap.HasCode(err, heap.CodeNoSuchField) {
		t.Errorf("expected no such field, got %v", err)
	}

	arr, err := f.heap.AllocArray(f.arr, 2)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	if err := f.heap.SetElem(arr, 1, a); err != nil {
		t.Fatalf("SetElem: %v", err)
	}
	if got, _ := f.heap.Elem(arr, 1); got != a {
		t.Errorf("arr[1] = %d, want %d", got, a)
	}
	if err := f.heap.SetElem(arr, 2, a); !heap.HasCode(err, heap.CodeOutOfBounds) {
		t.Errorf("expected out of bounds, got %v", err)
	}
	if n, _ := f.heap.ArrayLen(arr); n != 2 {
		t.Errorf("ArrayLen = %d, want 2", n)
	}

	s, err := f.heap.AllocString(f.str, "héllo")
	if err != nil {
		t.Fatalf("AllocString: %v", err)
	}
	if got, _ := f.heap.StringValue(s); got != "héllo" {
		t.Errorf("StringValue = %q", got)
	}
}

func TestInvalidHandlePanics(t *testing.T) {
	f := newFixture(t)
	defer func() {
		r := recover()
		he, ok := r.(*heap.Error)
		if !ok || he.Code != heap.CodeInvalidHandle {
			t.Fatalf("expected %v panic, got %v", heap.CodeInvalidHandle, r)
		}
	}()
	f.heap.IsFrozen(heap.Handle(42))
}

func TestMetadataIsLazy(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	if f.heap.HasMetadata(a) {
		t.Fatal("fresh object must not carry a metadata block")
	}
	if f.heap.IsFrozen(a) || f.heap.IsPinned(a) {
		t.Fatal("object without metadata must be unpinned and unfrozen")
	}
	if err := f.heap.EnsureNeverFrozen(a); err != nil {
		t.Fatalf("EnsureNeverFrozen: %v", err)
	}
	if !f.heap.HasMetadata(a) || !f.heap.IsPinned(a) {
		t.Fatal("pinning must attach metadata and set the flag")
	}
	if err := f.heap.EnsureNeverFrozen(a); err != nil {
		t.Fatalf("pinning twice must be harmless: %v", err)
	}
}

func TestFrozenObjectRejectsWritesAndPins(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	arr, _ := f.heap.AllocArray(f.arr, 1)

	w := f.heap.StopTheWorld()
	w.EnsureExtendedMetadata(a).MarkFrozen()
	w.EnsureExtendedMetadata(arr).MarkFrozen()
	w.Resume()

	if err := f.heap.SetScalar(a, "count", 1); !heap.HasCode(err, heap.CodeInvalidMutability) {
		t.Fatalf("expected %v, got %v", heap.CodeInvalidMutability, err)
	}
	if err := f.heap.SetElem(arr, 0, a); !heap.HasCode(err, heap.CodeInvalidMutability) {
		t.Fatalf("expected %v, got %v", heap.CodeInvalidMutability, err)
	}
	err := f.heap.EnsureNeverFrozen(a)
	if !heap.HasCode(err, heap.CodeAlreadyFrozen) {
		t.Fatalf("expected %v, got %v", heap.CodeAlreadyFrozen, err)
	}
	if !strings.Contains(err.Error(), "Node@") {
		t.Errorf("error should describe the object, got %q", err.Error())
	}
}

func TestWorldEdgesOrder(t *testing.T) {
	f := newFixture(t)
	root := f.alloc(t)
	l := f.alloc(t)
	r := f.alloc(t)
	_ = f.heap.SetRef(root, "left", l)
	_ = f.heap.SetRef(root, "right", r)
	arr, _ := f.heap.AllocArray(f.arr, 3)
	_ = f.heap.SetElem(arr, 0, r)
	_ = f.heap.SetElem(arr, 2, l)
	ints, _ := f.heap.AllocArray(f.ints, 4)

	w := f.heap.StopTheWorld()
	defer w.Resume()

	var got []heap.Handle
	w.Edges(root, func(h heap.Handle) { got = append(got, h) })
	if len(got) != 2 || got[0] != l || got[1] != r {
		t.Fatalf("object edges = %v, want [%d %d]", got, l, r)
	}
	got = got[:0]
	w.Edges(arr, func(h heap.Handle) { got = append(got, h) })
	if len(got) != 2 || got[0] != r || got[1] != l {
		t.Fatalf("array edges = %v, want [%d %d]", got, r, l)
	}
	got = got[:0]
	w.Edges(ints, func(h heap.Handle) { got = append(got, h) })
	if len(got) != 0 {
		t.Fatalf("scalar array must have no edges, got %v", got)
	}
	if w.ArrayLength(arr) != 3 || w.ReadArrayElement(arr, 1) != heap.Nil {
		t.Fatal("array accessors disagree with contents")
	}
	if w.ExtendedMetadata(root) != nil {
		t.Fatal("walk must not attach metadata")
	}
}

func TestWorldRewriteAndEpoch(t *testing.T) {
	f := newFixture(t)
	root := f.alloc(t)
	child := f.alloc(t)
	_ = f.heap.SetRef(root, "left", child)
	desc := f.heap.TypeOf(root)

	w := f.heap.StopTheWorld()
	w.WriteReferenceField(root, desc.RefOffsets[0], heap.Nil)
	w.VerifyEpoch()
	w.Resume()

	if got, _ := f.heap.Ref(root, "left"); got != heap.Nil {
		t.Fatalf("left = %d after rewrite, want null", got)
	}
}

func TestWorldRewriteOfFrozenObjectPanics(t *testing.T) {
	f := newFixture(t)
	root := f.alloc(t)
	child := f.alloc(t)
	_ = f.heap.SetRef(root, "left", child)
	desc := f.heap.TypeOf(root)

	w := f.heap.StopTheWorld()
	defer w.Resume()
	w.EnsureExtendedMetadata(root).MarkFrozen()
	func() {
		defer func() {
			r := recover()
			he, ok := r.(*heap.Error)
			if !ok || he.Code != heap.CodeInvalidMutability {
				t.Fatalf("expected %v panic, got %v", heap.CodeInvalidMutability, r)
			}
		}()
		w.WriteReferenceField(root, desc.RefOffsets[0], heap.Nil)
	}()
	if got := w.ReadReferenceField(root, desc.RefOffsets[0]); got != child {
		t.Fatalf("left = %d after refused rewrite, want %d", got, child)
	}
}

func TestStopTheWorldTwiceFromSameGoroutinePanics(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	w := f.heap.StopTheWorld()
	for _, call := range []func(){
		func() { f.heap.StopTheWorld() },
		func() { _ = f.heap.SetScalar(a, "count", 1) },
		func() { _, _ = f.heap.Alloc(f.node) },
	} {
		func() {
			defer func() {
				r := recover()
				he, ok := r.(*heap.Error)
				if !ok || he.Code != heap.CodeReentrantFreeze {
					t.Fatalf("expected %v panic, got %v", heap.CodeReentrantFreeze, r)
				}
			}()
			call()
		}()
	}
	w.Resume()

	// Once released, the same goroutine takes the world normally.
	w = f.heap.StopTheWorld()
	w.Resume()
	if err := f.heap.SetScalar(a, "count", 2); err != nil {
		t.Fatalf("SetScalar after resume: %v", err)
	}
}

func TestWorldUseAfterResumePanics(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	w := f.heap.StopTheWorld()
	w.Resume()
	defer func() {
		r := recover()
		he, ok := r.(*heap.Error)
		if !ok || he.Code != heap.CodeWorldReleased {
			t.Fatalf("expected %v panic, got %v", heap.CodeWorldReleased, r)
		}
	}()
	w.Descriptor(a)
}

func TestReentrantFreezeMarkPanics(t *testing.T) {
	f := newFixture(t)
	w := f.heap.StopTheWorld()
	defer w.Resume()
	w.EnterFreeze()
	defer func() {
		r := recover()
		he, ok := r.(*heap.Error)
		if !ok || he.Code != heap.CodeReentrantFreeze {
			t.Fatalf("expected %v panic, got %v", heap.CodeReentrantFreeze, r)
		}
	}()
	w.EnterFreeze()
}

func TestStopTheWorldExcludesMutators(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	w := f.heap.StopTheWorld()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.heap.SetScalar(a, "count", 7)
	}()

	// The write cannot land while the world is stopped.
	if got := w.ReadScalarField(a, heap.HeaderSize); got != 0 {
		t.Fatalf("count = %d while world stopped, want 0", got)
	}
	w.Resume()
	<-done
	if got, _ := f.heap.Scalar(a, "count"); got != 7 {
		t.Fatalf("count = %d after resume, want 7", got)
	}
}

func TestConcurrentEnsureMetadataSharesBlock(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.heap.EnsureNeverFrozen(a)
		}()
	}
	wg.Wait()
	w := f.heap.StopTheWorld()
	defer w.Resume()
	if m := w.ExtendedMetadata(a); m == nil || !m.Pinned() || m != w.EnsureExtendedMetadata(a) {
		t.Fatal("expected a single pinned metadata block")
	}
}

func TestDumpString(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	b := f.alloc(t)
	_ = f.heap.SetRef(a, "right", b)
	_ = f.heap.EnsureNeverFrozen(b)

	out := f.heap.DumpString()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got:\n%s", out)
	}
	if !strings.Contains(lines[1], "Node") || !strings.Contains(lines[1], "  1  -") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "pinned") {
		t.Errorf("unexpected second row: %q", lines[2])
	}
}

func TestImageRoundTripPreservesGraphAndFlags(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(t)
	b := f.alloc(t)
	arr, _ := f.heap.AllocArray(f.arr, 2)
	_ = f.heap.SetRef(a, "left", b)
	_ = f.heap.SetScalar(a, "count", 9)
	_ = f.heap.SetElem(arr, 0, a)
	_ = f.heap.EnsureNeverFrozen(b)
	w := f.heap.StopTheWorld()
	w.EnsureExtendedMetadata(a).MarkFrozen()
	w.Resume()

	var buf bytes.Buffer
	if err := f.heap.EncodeImage(&buf); err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	got, err := heap.DecodeImage(&buf)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}

	if got.Count() != f.heap.Count() {
		t.Fatalf("Count = %d, want %d", got.Count(), f.heap.Count())
	}
	if ref, _ := got.Ref(a, "left"); ref != b {
		t.Errorf("left = %d, want %d", ref, b)
	}
	if v, _ := got.Scalar(a, "count"); v != 9 {
		t.Errorf("count = %d, want 9", v)
	}
	if e, _ := got.Elem(arr, 0); e != a {
		t.Errorf("arr[0] = %d, want %d", e, a)
	}
	if !got.IsFrozen(a) || !got.IsPinned(b) || got.HasMetadata(arr) {
		t.Error("metadata flags not preserved")
	}
	if got.DumpString() != f.heap.DumpString() {
		t.Errorf("dump mismatch:\n%s\nvs\n%s", got.DumpString(), f.heap.DumpString())
	}
}
