package main

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
	relay "github.com/haidevelopment/service-proxy-ai/sdk"
)

// pcmSink appends every played buffer to w. Outputs created after a flush
// share the sink, so the file holds what a listener would have heard.
type pcmSink struct {
	mu      sync.Mutex
	w       io.Writer
	written int64
	err     error
}

func newPCMSink(w io.Writer) *pcmSink {
	return &pcmSink{w: w}
}

func (s *pcmSink) write(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	n, err := s.w.Write(live.FloatToPCM16(samples))
	s.written += int64(n)
	s.err = err
}

func (s *pcmSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *pcmSink) newOutput(clock relay.Clock) *sinkOutput {
	return &sinkOutput{sink: s, clock: clock}
}

// sinkOutput writes a buffer when its slot starts and reports completion
// once the slot has elapsed on the clock.
type sinkOutput struct {
	sink  *pcmSink
	clock relay.Clock

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

func (o *sinkOutput) Play(buf relay.Buffer, at time.Duration, done func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	start := max(at-o.clock.Now(), 0)
	t := time.AfterFunc(start, func() {
		if o.isClosed() {
			return
		}
		o.sink.write(buf.Samples)
		time.AfterFunc(buf.Duration, func() {
			if !o.isClosed() {
				done()
			}
		})
	})
	o.timers = append(o.timers, t)
}

func (o *sinkOutput) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *sinkOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	return nil
}

// probeEvents turns the relay's message stream into the two milestones the
// probe waits on.
type probeEvents struct {
	ready        chan struct{}
	turnComplete chan struct{}
	readyOnce    sync.Once
	turnOnce     sync.Once
}

func newProbeEvents() *probeEvents {
	return &probeEvents{
		ready:        make(chan struct{}),
		turnComplete: make(chan struct{}),
	}
}

func (e *probeEvents) handler(logger *slog.Logger) relay.Handler {
	return relay.HandlerFunc(func(m relay.Message) {
		switch p := m.Payload.(type) {
		case protocol.ServerReady:
			e.readyOnce.Do(func() { close(e.ready) })
		case protocol.ServerTurnComplete:
			e.turnOnce.Do(func() { close(e.turnComplete) })
		case protocol.ServerText:
			logger.Info(m.Type, "text", p.Text)
		case protocol.ServerError:
			logger.Error("relay error", "code", p.Code, "message", p.Message)
		case protocol.ServerWarning:
			logger.Warn("relay warning", "code", p.Code, "message", p.Message)
		case protocol.ServerAudioResponse:
			// Logged at debug below; too chatty for info.
		default:
			logger.Info("relay message", "type", m.Type)
			return
		}
		logger.Debug("relay message", "type", m.Type)
	})
}
