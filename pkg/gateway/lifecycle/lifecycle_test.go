package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_DrainingTransitions(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := base
	l := &Lifecycle{now: func() time.Time { return clock }}

	if l.IsDraining() {
		t.Fatalf("new lifecycle should be serving")
	}
	if _, ok := l.DrainingSince(); ok {
		t.Fatalf("DrainingSince ok while serving")
	}

	l.SetDraining(true)
	clock = base.Add(time.Minute)
	l.SetDraining(true)

	since, ok := l.DrainingSince()
	if !l.IsDraining() || !ok || !since.Equal(base) {
		t.Fatalf("DrainingSince()=%v,%v want %v", since, ok, base)
	}

	l.SetDraining(false)
	if l.IsDraining() {
		t.Fatalf("expected serving after SetDraining(false)")
	}
}

func TestLifecycle_NilSafe(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() {
		t.Fatalf("nil lifecycle should never drain")
	}
	if _, ok := l.DrainingSince(); ok {
		t.Fatalf("nil lifecycle reported a drain time")
	}
}
