package clock_test

import (
	"testing"
	"time"

	"pkt.systems/tccstore/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()
	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	ch := clk.After(time.Minute)
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending waiter, got %d", clk.Pending())
	}
	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}
	clk.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("waiter did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", clk.Pending())
	}
}

func TestManualSetIgnoresRewind(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	clk.Set(start.Add(-time.Hour))
	if !clk.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", clk.Now())
	}
	if got := clock.OrReal(nil); got == nil {
		t.Fatal("OrReal returned nil")
	}
}
