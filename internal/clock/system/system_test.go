package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestManualSteps(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewManual(start, 100*time.Millisecond)
	if got := clk.Now(); !got.Equal(start) {
		t.Fatalf("expected first reading %v, got %v", start, got)
	}
	if got := clk.Now(); !got.Equal(start.Add(100 * time.Millisecond)) {
		t.Fatalf("expected stepped reading, got %v", got)
	}
	clk.Advance(time.Minute)
	want := start.Add(200*time.Millisecond + time.Minute)
	if got := clk.Now(); !got.Equal(want) {
		t.Fatalf("expected %v after advance, got %v", want, got)
	}
}
