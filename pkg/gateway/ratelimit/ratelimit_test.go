package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireWSSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentWSSessions: 1})
	now := time.Now()

	first := l.AcquireWSSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireWSSession("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}

	other := l.AcquireWSSession("p2", now)
	if !other.Allowed {
		t.Fatalf("other principal should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireWSSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
	if fourth := l.AcquireWSSession("p1", now); fourth.Allowed {
		t.Fatalf("double release must not free a second slot")
	}
}

func TestAcquireWSSession_ConnectRate(t *testing.T) {
	l := New(Config{ConnectRPS: 1, ConnectBurst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AcquireWSSession("p1", now); !d.Allowed {
			t.Fatalf("connect %d denied", i)
		}
	}
	d := l.AcquireWSSession("p1", now)
	if d.Allowed {
		t.Fatalf("burst exceeded but allowed")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("retryAfter=%d, want 1", d.RetryAfter)
	}
	if d := l.AcquireWSSession("p1", now.Add(1100*time.Millisecond)); !d.Allowed {
		t.Fatalf("expected refill after one second")
	}
}

func TestAcquireRequest_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 0.5, Burst: 1})
	now := time.Unix(1_700_000_000, 0)

	if d := l.AcquireRequest("", now); !d.Allowed {
		t.Fatalf("first request denied")
	}
	d := l.AcquireRequest("", now)
	if d.Allowed || d.RetryAfter != 2 {
		t.Fatalf("decision=%+v, want denied with retryAfter=2", d)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	d := l.AcquireWSSession("p", time.Now())
	if !d.Allowed || d.Permit == nil {
		t.Fatalf("nil limiter decision=%+v", d)
	}
	d.Permit.Release()
}

func TestPrincipalKeys(t *testing.T) {
	k := PrincipalKeyFromAPIKey("secret")
	if len(k) != 34 || k[:2] != "k_" {
		t.Fatalf("key=%q", k)
	}
	if k == PrincipalKeyFromAPIKey("secret2") {
		t.Fatalf("distinct keys collided")
	}
	if got := PrincipalKeyFromIP("10.0.0.1"); got != "ip_10.0.0.1" {
		t.Fatalf("ip key=%q", got)
	}
}
