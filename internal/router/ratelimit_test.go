package router

import (
	"testing"
	"time"
)

func TestFrameBudgetBurstAndRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newFrameBudget(10, 5)
	b.nowFn = func() time.Time { return now }
	b.last = now

	for i := 0; i < 5; i++ {
		if !b.admit() {
			t.Fatalf("frame %d within burst refused", i)
		}
	}
	if b.admit() || b.admit() {
		t.Fatal("frame beyond burst admitted")
	}
	if b.overruns != 2 {
		t.Errorf("overruns = %d, want 2", b.overruns)
	}

	now = now.Add(200 * time.Millisecond) // two frames at 10/s
	if !b.admit() || !b.admit() {
		t.Fatal("refilled credit refused")
	}
	if b.overruns != 0 {
		t.Errorf("admitted frame did not reset overruns: %d", b.overruns)
	}
	if b.admit() {
		t.Fatal("more frames admitted than refilled")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 5; i++ {
		if !b.admit() {
			t.Fatalf("refill should cap at burst, frame %d refused", i)
		}
	}
	if b.admit() {
		t.Fatal("refill exceeded burst")
	}
}

func TestFrameBudgetDisabled(t *testing.T) {
	b := newFrameBudget(0, 0)
	for i := 0; i < 1000; i++ {
		if !b.admit() {
			t.Fatal("disabled budget refused a frame")
		}
	}
	if b.overruns != 0 {
		t.Errorf("overruns = %d", b.overruns)
	}
}
