// Package upstreamtest provides an in-memory upstream.Adapter for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/upstream"
)

// Adapter records every call and lets the test push events. By default
// Connect succeeds and immediately emits a ready event.
type Adapter struct {
	ConnectErr error
	SendErr    error
	// NoAutoReady suppresses the ready event emitted on Connect.
	NoAutoReady bool

	mu        sync.Mutex
	events    chan upstream.Event
	connected bool
	closed    bool
	connects  []upstream.ModelConfig
	audio     []AudioFrame
	texts     []string
	closes    int
	notify    chan struct{}
}

func New() *Adapter {
	return &Adapter{
		events: make(chan upstream.Event, 256),
		notify: make(chan struct{}, 1),
	}
}

func (a *Adapter) Events() <-chan upstream.Event { return a.events }

func (a *Adapter) Connect(ctx context.Context, cfg upstream.ModelConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return upstream.ErrClosed
	}
	if len(a.connects) > 0 {
		return upstream.ErrAlreadyConnected
	}
	a.connects = append(a.connects, cfg)
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.connected = true
	if !a.NoAutoReady {
		a.events <- upstream.Event{Kind: upstream.EventReady}
	}
	return nil
}

// AudioFrame is one SendAudio call as the adapter received it.
type AudioFrame struct {
	PCM    []byte
	Format live.Format
}

func (a *Adapter) SendAudio(ctx context.Context, pcm []byte, format live.Format) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkSend(); err != nil {
		return err
	}
	a.audio = append(a.audio, AudioFrame{PCM: append([]byte(nil), pcm...), Format: format})
	a.signal()
	return nil
}

func (a *Adapter) SendText(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkSend(); err != nil {
		return err
	}
	a.texts = append(a.texts, text)
	a.signal()
	return nil
}

func (a *Adapter) checkSend() error {
	if a.closed {
		return upstream.ErrClosed
	}
	if !a.connected {
		return upstream.ErrNotConnected
	}
	return a.SendErr
}

func (a *Adapter) signal() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	if !a.closed {
		a.closed = true
		a.connected = false
		close(a.events)
	}
	return nil
}

// Emit pushes an upstream event. It is a no-op after Close.
func (a *Adapter) Emit(ev upstream.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.events <- ev
}

// Sent receives a signal after each successful send.
func (a *Adapter) Sent() <-chan struct{} { return a.notify }

func (a *Adapter) Audio() []AudioFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AudioFrame(nil), a.audio...)
}

func (a *Adapter) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func (a *Adapter) Connects() []upstream.ModelConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]upstream.ModelConfig(nil), a.connects...)
}

func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Factory hands out pre-built adapters in order, or fresh ones when exhausted.
type Factory struct {
	mu       sync.Mutex
	Adapters []*Adapter
	Err      error
	made     []*Adapter
	keys     []string
}

func (f *Factory) New(provider, apiKey string) (upstream.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, apiKey)
	if f.Err != nil {
		return nil, f.Err
	}
	var a *Adapter
	if len(f.Adapters) > 0 {
		a = f.Adapters[0]
		f.Adapters = f.Adapters[1:]
	} else {
		a = New()
	}
	f.made = append(f.made, a)
	return a, nil
}

// Made returns the adapters handed out so far.
func (f *Factory) Made() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.made...)
}

// Keys returns the api keys passed to New.
func (f *Factory) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}
