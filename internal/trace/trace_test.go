package trace_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"permafrost/internal/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    trace.Level
		wantErr bool
	}{
		{"off", trace.LevelOff, false},
		{"PHASE", trace.LevelPhase, false},
		{"detail", trace.LevelDetail, false},
		{"debug", trace.LevelDebug, false},
		{"loud", trace.LevelOff, true},
	}
	for _, tt := range tests {
		got, err := trace.ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelScopeFiltering(t *testing.T) {
	if !trace.LevelPhase.ShouldEmit(trace.ScopeRuntime) || trace.LevelPhase.ShouldEmit(trace.ScopePhase) {
		t.Error("phase level must emit runtime scope only")
	}
	if !trace.LevelDetail.ShouldEmit(trace.ScopePhase) || trace.LevelDetail.ShouldEmit(trace.ScopeObject) {
		t.Error("detail level must stop before object scope")
	}
	if !trace.LevelDebug.ShouldEmit(trace.ScopeObject) {
		t.Error("debug level must emit everything")
	}
}

func TestStreamTracerSpans(t *testing.T) {
	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelDetail, trace.FormatText)

	outer := trace.Begin(tr, trace.ScopeRuntime, "freeze", 0)
	inner := trace.Begin(tr, trace.ScopePhase, "traverse", outer.ID())
	inner.WithExtra("visited", "3").End("")
	trace.Point(tr, trace.ScopeObject, "hidden", "", outer.ID())
	outer.End("frozen")

	out := buf.String()
	for _, want := range []string{"→ freeze", "→ traverse", "← traverse {visited=3}", "← freeze (frozen)"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("object scope must be filtered at detail level:\n%s", out)
	}
}

func TestNDJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelDebug, trace.FormatNDJSON)
	trace.Point(tr, trace.ScopeObject, "blocked", "Node@3", 7)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if got["name"] != "blocked" || got["detail"] != "Node@3" || got["scope"] != "object" {
		t.Errorf("unexpected event: %v", got)
	}
}

func TestRingTracerWrapsAndDumps(t *testing.T) {
	ring := trace.NewRingTracer(2, trace.LevelDebug)
	for _, name := range []string{"a", "b", "c"} {
		trace.Point(ring, trace.ScopeObject, name, "", 0)
	}
	events := ring.Snapshot()
	if len(events) != 2 || events[0].Name != "b" || events[1].Name != "c" {
		t.Fatalf("snapshot = %+v, want [b c]", events)
	}

	multi := trace.NewMultiTracer(trace.LevelDebug, trace.Nop, ring)
	if trace.FindRing(multi) != ring {
		t.Fatal("FindRing must see through MultiTracer")
	}
	var buf bytes.Buffer
	if err := ring.Dump(&buf, trace.FormatText); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("expected two dumped lines, got:\n%s", buf.String())
	}
}

func TestNewOffIsNop(t *testing.T) {
	tr, err := trace.New(trace.Config{Level: trace.LevelOff})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Enabled() {
		t.Fatal("off level must produce a disabled tracer")
	}
	span := trace.Begin(tr, trace.ScopeRuntime, "freeze", 0)
	if span.End("") != 0 {
		t.Fatal("disabled span must report zero duration")
	}
}

func TestContextPropagation(t *testing.T) {
	if trace.FromContext(context.Background()) != trace.Nop {
		t.Fatal("empty context must yield Nop")
	}
	ring := trace.NewRingTracer(4, trace.LevelPhase)
	ctx := trace.WithTracer(context.Background(), ring)
	if trace.FromContext(ctx) != ring {
		t.Fatal("tracer not propagated through context")
	}
}

func TestStartNestsUnderContextSpan(t *testing.T) {
	ring := trace.NewRingTracer(16, trace.LevelDetail)
	ctx := trace.WithTracer(context.Background(), ring)

	outer, ctx := trace.Start(ctx, trace.ScopeRuntime, "command")
	inner, innerCtx := trace.Start(ctx, trace.ScopePhase, "traverse")
	hidden, hiddenCtx := trace.Start(innerCtx, trace.ScopeObject, "visit")
	inner.End("")
	outer.End("")

	if got := trace.CurrentSpan(ctx).SpanID; got != outer.ID() {
		t.Fatalf("current span = %d, want %d", got, outer.ID())
	}
	if hidden.ID() != 0 || trace.CurrentSpan(hiddenCtx).SpanID != inner.ID() {
		t.Fatal("a filtered span must leave the current span unchanged")
	}
	events := ring.Snapshot()
	if len(events) != 4 || events[1].Name != "traverse" || events[1].ParentID != outer.ID() || events[0].ParentID != 0 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestGoroutineIDDistinguishesGoroutines(t *testing.T) {
	self := trace.GoroutineID()
	if self == 0 {
		t.Fatal("GoroutineID returned 0")
	}
	other := make(chan uint64)
	go func() { other <- trace.GoroutineID() }()
	if got := <-other; got == 0 || got == self {
		t.Fatalf("goroutine ids %d and %d", self, got)
	}
}
