// Package lifecycle holds process-wide state shared by the relay's handlers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle records whether the relay is draining for shutdown. Draining
// instances refuse new live sessions and report not ready while the ones in
// flight finish. The zero value is ready to use.
type Lifecycle struct {
	drainingSince atomic.Int64 // unix nanos; 0 when serving
	now           func() time.Time
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	// Keep the first transition when called repeatedly.
	l.drainingSince.CompareAndSwap(0, now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince reports when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}
