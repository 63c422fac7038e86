package observ_test

import (
	"context"
	"strings"
	"testing"

	"permafrost/internal/observ"
)

func TestTimerReport(t *testing.T) {
	timer := observ.NewTimer()
	idx := timer.Begin("traverse")
	timer.End(idx, "visited=3")
	timer.End(99, "ignored")

	report := timer.Report()
	if len(report.Phases) != 1 || report.Phases[0].Name != "traverse" || report.Phases[0].Note != "visited=3" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !strings.Contains(timer.Summary(), "traverse") || !strings.Contains(timer.Summary(), "total") {
		t.Errorf("summary missing rows:\n%s", timer.Summary())
	}
}

func TestTimerContext(t *testing.T) {
	if observ.TimerFromContext(context.Background()) != nil {
		t.Fatal("expected no timer")
	}
	timer := observ.NewTimer()
	ctx := observ.WithTimer(context.Background(), timer)
	if observ.TimerFromContext(ctx) != timer {
		t.Fatal("timer not propagated")
	}
}
