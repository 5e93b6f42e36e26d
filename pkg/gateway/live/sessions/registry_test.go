package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_RegisterUnregister_CountAndWait(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", r.Count())
	}

	u1 := r.Register("s1", Handle{})
	u2 := r.Register("s2", Handle{})
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}

	u1()
	u1()
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := r.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := NewRegistry()
	unregister := r.Register("s1", Handle{})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("expected Wait to time out with a live session")
	}
}

func TestRegistry_ReplaceSameID(t *testing.T) {
	r := NewRegistry()
	var oldCancels, newCancels atomic.Int64
	oldUnregister := r.Register("s1", Handle{
		Cancel: func() { oldCancels.Add(1) },
		Info:   func() Info { return Info{UserID: "old"} },
	})
	r.Register("s1", Handle{
		Cancel: func() { newCancels.Add(1) },
		Info:   func() Info { return Info{UserID: "new"} },
	})

	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	if oldCancels.Load() != 1 || newCancels.Load() != 0 {
		t.Fatalf("cancels old=%d new=%d, want 1/0", oldCancels.Load(), newCancels.Load())
	}
	// The replaced entry's unregister must not evict the new one.
	oldUnregister()
	info, ok := r.Get("s1")
	if !ok || info.UserID != "new" || info.SessionID != "s1" {
		t.Fatalf("Get()=%+v, %v", info, ok)
	}
	if n := r.CancelAll(); n != 1 || oldCancels.Load() != 1 || newCancels.Load() != 1 {
		t.Fatalf("CancelAll=%d old=%d new=%d", n, oldCancels.Load(), newCancels.Load())
	}
}

func TestRegistry_SnapshotOrdersByStartTime(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Register("late", Handle{Info: func() Info { return Info{StartTime: base.Add(time.Minute)} }})
	r.Register("early", Handle{Info: func() Info { return Info{StartTime: base} }})
	r.Register("bare", Handle{})

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("snapshot len=%d", len(got))
	}
	if got[0].SessionID != "bare" || got[1].SessionID != "early" || got[2].SessionID != "late" {
		t.Fatalf("order=%s,%s,%s", got[0].SessionID, got[1].SessionID, got[2].SessionID)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get(missing) ok")
	}
}

func TestRegistry_CancelAll_CallsCancel(t *testing.T) {
	r := NewRegistry()
	var c1, c2 atomic.Int64
	r.Register("s1", Handle{Cancel: func() { c1.Add(1) }})
	r.Register("s2", Handle{Cancel: func() { c2.Add(1) }})

	if n := r.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestRegistry_WarnAll_BestEffort(t *testing.T) {
	r := NewRegistry()
	var w1, w2 atomic.Int64
	r.Register("s1", Handle{Warn: func(code, message string) error {
		w1.Add(1)
		return nil
	}})
	r.Register("s2", Handle{Warn: func(code, message string) error {
		w2.Add(1)
		return errors.New("nope")
	}})

	if sent := r.WarnAll("draining", "test"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

type recordingRemover struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRemover) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func TestRegistry_RemoverCalledOnce(t *testing.T) {
	r := NewRegistry()
	rm := &recordingRemover{}
	r.SetRemover(rm)

	unregister := r.Register("s1", Handle{})
	unregister()
	unregister()

	if len(rm.ids) != 1 || rm.ids[0] != "s1" {
		t.Fatalf("removed=%v", rm.ids)
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.Register("s1", Handle{})()
	if r.Count() != 0 || r.Snapshot() != nil || r.WarnAll("a", "b") != 0 || r.CancelAll() != 0 || !r.Wait(context.Background()) {
		t.Fatalf("nil registry should be inert")
	}
}
