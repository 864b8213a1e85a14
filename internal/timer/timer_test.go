package timer_test

import (
	"testing"

	"github.com/m-lab/netstack/internal/timer"
)

func TestCheckFiresInExpiryOrder(t *testing.T) {
	l := timer.New()
	var order []string
	rec := func(name string) timer.Proc {
		return func(arg interface{}) { order = append(order, name) }
	}
	l.Add("c", 200, false, rec("c"), nil)
	l.Add("a", 100, false, rec("a"), nil)
	l.Add("b", 150, false, rec("b"), nil)

	l.Check(99)
	if len(order) != 0 {
		t.Fatalf("expected no fires yet, got %v", order)
	}
	l.Check(60) // cumulative 159ms: a then b should have fired
	want := []string{"a", "b"}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("got %v, want %v", order, want)
	}
	l.Check(1000) // c must fire eventually
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("expected c to fire last, got %v", order)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty list, got %d pending", l.Len())
	}
}

func TestCheckReloadFiresFloorTimes(t *testing.T) {
	l := timer.New()
	count := 0
	l.Add("periodic", 30, true, func(arg interface{}) { count++ }, nil)

	l.Check(310)
	if count != 10 {
		t.Errorf("expected floor(310/30)=10 fires, got %d", count)
	}
	if l.Len() != 1 {
		t.Errorf("expected the reloaded timer still pending, got %d entries", l.Len())
	}
}

func TestRemoveCancelsPending(t *testing.T) {
	l := timer.New()
	fired := false
	tm, _ := l.Add("x", 100, false, func(arg interface{}) { fired = true }, nil)
	other, _ := l.Add("y", 50, false, func(arg interface{}) {}, nil)
	_ = other

	l.Remove(tm)
	l.Check(1000)
	if fired {
		t.Error("expected removed timer not to fire")
	}
}

func TestResetRearmsTimer(t *testing.T) {
	l := timer.New()
	fires := 0
	tm, _ := l.Add("retx", 500, false, func(arg interface{}) { fires++ }, nil)

	l.Check(100)
	l.Reset(tm, 200) // backoff: rearm 200ms from now instead of the remaining 400ms
	l.Check(199)
	if fires != 0 {
		t.Fatalf("expected no fire yet, got %d", fires)
	}
	l.Check(1)
	if fires != 1 {
		t.Errorf("expected exactly one fire after reset, got %d", fires)
	}
}
