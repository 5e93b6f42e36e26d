// Package sessions keeps the set of live relay sessions owned by one server
// instance. It is created by the transport layer and injected into handlers.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

// Info is the introspection record of one session.
type Info struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	ExamID       string         `json:"examId,omitempty"`
	ClientIP     string         `json:"clientIp,omitempty"`
	State        string         `json:"state"`
	PromptType   string         `json:"promptType,omitempty"`
	VoiceName    string         `json:"voiceName,omitempty"`
	Level        string         `json:"level,omitempty"`
	StartTime    time.Time      `json:"startTime"`
	DurationMS   int64          `json:"durationMs"`
	LastActivity time.Time      `json:"lastActivity"`
	Stats        protocol.Stats `json:"stats"`
}

type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	Info   func() Info
}

// Remover is notified when a session leaves the registry.
type Remover interface {
	Remove(ctx context.Context, sessionID string) error
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	remover  Remover
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*trackedSession),
	}
}

// SetRemover installs a hook called after each unregister. Call it before
// the registry is shared.
func (r *Registry) SetRemover(rm Remover) {
	if r == nil {
		return
	}
	r.remover = rm
}

// Register adds a session. Registering an id that is already present
// cancels the older session and releases its slot.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*trackedSession)
	}
	old := r.sessions[sessionID]
	r.sessions[sessionID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		r.unregister(sessionID, old)
	}

	return func() { r.unregister(sessionID, entry) }
}

func (r *Registry) unregister(sessionID string, entry *trackedSession) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		removed := false
		r.mu.Lock()
		if r.sessions != nil && r.sessions[sessionID] == entry {
			delete(r.sessions, sessionID)
			removed = true
		}
		r.mu.Unlock()
		r.wg.Done()

		if removed && r.remover != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = r.remover.Remove(ctx, sessionID)
		}
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns the current Info of one session.
func (r *Registry) Get(sessionID string) (Info, bool) {
	if r == nil {
		return Info{}, false
	}
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return entryInfo(sessionID, entry), true
}

// Snapshot lists all sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	if r == nil {
		return nil
	}
	type pair struct {
		id    string
		entry *trackedSession
	}
	var entries []pair
	r.mu.Lock()
	for id, entry := range r.sessions {
		entries = append(entries, pair{id: id, entry: entry})
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, p := range entries {
		out = append(out, entryInfo(p.id, p.entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func entryInfo(sessionID string, entry *trackedSession) Info {
	if entry == nil || entry.handle.Info == nil {
		return Info{SessionID: sessionID}
	}
	info := entry.handle.Info()
	if info.SessionID == "" {
		info.SessionID = sessionID
	}
	return info
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(code, message string) error
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
