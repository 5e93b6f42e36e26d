package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// HTTP request budget per principal (token bucket).
	RPS   float64
	Burst int

	// Websocket admission budget per principal.
	ConnectRPS   float64
	ConnectBurst int

	MaxConcurrentRequests   int
	MaxConcurrentWSSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	requests tokenBucket
	connects tokenBucket

	reqSem     chan struct{}
	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + ip
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func noopPermit() *Permit { return &Permit{release: func() {}} }

func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: noopPermit()}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)

	if ok, retryAfter := pl.requests.allow(&pl.mu, now, l.cfg.RPS, l.cfg.Burst); !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return acquireSlot(pl.reqSem, l.cfg.MaxConcurrentRequests)
}

// AcquireWSSession admits one live session. The permit must be released when
// the session ends.
func (l *Limiter) AcquireWSSession(principal string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: noopPermit()}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)

	if ok, retryAfter := pl.connects.allow(&pl.mu, now, l.cfg.ConnectRPS, l.cfg.ConnectBurst); !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return acquireSlot(pl.sessionSem, l.cfg.MaxConcurrentWSSessions)
}

func acquireSlot(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: noopPermit()}
	}
	select {
	case sem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-sem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func principalOrAnon(principal string) string {
	if principal == "" {
		return "anonymous"
	}
	return principal
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessionSem) == 0 && len(v.reqSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	pl := &principalLimiter{
		reqSem:     make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentWSSessions)),
		lastSeen:   now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		// Entries holding permits stay so their release targets the live semaphore.
		if now.Sub(v.lastSeen) > ttl && len(v.sessionSem) == 0 && len(v.reqSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (tb *tokenBucket) allow(mu *sync.Mutex, now time.Time, rps float64, burst int) (bool, int) {
	if burst <= 0 || rps <= 0 {
		return true, 0
	}
	mu.Lock()
	defer mu.Unlock()

	capacity := float64(burst)
	if tb.capacity == 0 {
		*tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}
	tb.rps = rps
	tb.capacity = capacity

	elapsed := now.Sub(tb.last).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+(elapsed*tb.rps))
		tb.last = now
	}

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - tb.tokens
	retryAfter := int(math.Ceil(needed / tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
