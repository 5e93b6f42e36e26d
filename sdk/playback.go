package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

// Clock reports the position of the playback timeline.
type Clock interface {
	Now() time.Duration
}

// WallClock is a Clock anchored at its creation time.
type WallClock struct{ start time.Time }

func NewWallClock() *WallClock { return &WallClock{start: time.Now()} }

func (c *WallClock) Now() time.Duration { return time.Since(c.start) }

// Buffer is one decoded chunk ready for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// Output plays buffers at absolute positions on the Clock timeline and calls
// done once the buffer has finished. Close must stop anything in flight.
type Output interface {
	Play(buf Buffer, at time.Duration, done func())
	Close() error
}

// OutputFactory creates a fresh Output. It is called at start and after
// every Flush.
type OutputFactory func() (Output, error)

// PlaybackScheduler queues decoded response audio and plays it back to back.
// Each buffer starts at max(nextStart, now); nextStart advances when a buffer
// completes and is only reset by Flush, so short pauses between utterances
// stay gapless.
type PlaybackScheduler struct {
	clock   Clock
	factory OutputFactory

	mu        sync.Mutex
	output    Output
	queue     []Buffer
	playing   bool
	nextStart time.Duration
	gen       uint64
	closed    bool
}

type scheduledPlay struct {
	out Output
	buf Buffer
	at  time.Duration
	gen uint64
}

func NewPlaybackScheduler(clock Clock, factory OutputFactory) (*PlaybackScheduler, error) {
	if clock == nil {
		clock = NewWallClock()
	}
	if factory == nil {
		return nil, fmt.Errorf("output factory must not be nil")
	}
	out, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create audio output: %w", err)
	}
	return &PlaybackScheduler{
		clock:     clock,
		factory:   factory,
		output:    out,
		nextStart: clock.Now(),
	}, nil
}

// DecodeChunk turns a response chunk into a Buffer. Chunks without a rate
// tag are taken as 24 kHz.
func DecodeChunk(chunk live.Chunk) (Buffer, error) {
	pcm, f, err := chunk.Decode(live.PlaybackFormat)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{
		Samples:    live.PCM16ToFloat(pcm),
		SampleRate: f.SampleRate,
		Duration:   f.Duration(len(pcm)),
	}, nil
}

// Enqueue decodes chunk and queues it, starting the drain loop when idle.
func (s *PlaybackScheduler) Enqueue(chunk live.Chunk) error {
	buf, err := DecodeChunk(chunk)
	if err != nil {
		return err
	}
	return s.EnqueueBuffer(buf)
}

func (s *PlaybackScheduler) EnqueueBuffer(buf Buffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, buf)
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	if err := s.ensureOutputLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.playing = true
	next, ok := s.nextLocked()
	s.mu.Unlock()

	if ok {
		s.play(next)
	}
	return nil
}

// Flush drops everything queued, resets the timeline to now and replaces the
// output so no buffer already handed to it can still complete.
func (s *PlaybackScheduler) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = nil
	s.playing = false
	s.nextStart = s.clock.Now()
	s.gen++
	old := s.output
	s.output = nil
	err := s.ensureOutputLocked()
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return err
}

// Pending is the number of buffers waiting behind the one playing.
func (s *PlaybackScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *PlaybackScheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// NextStartTime is where the next buffer would start if the clock lagged it.
func (s *PlaybackScheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *PlaybackScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.playing = false
	s.gen++
	out := s.output
	s.output = nil
	s.mu.Unlock()

	if out != nil {
		return out.Close()
	}
	return nil
}

func (s *PlaybackScheduler) ensureOutputLocked() error {
	if s.output != nil {
		return nil
	}
	out, err := s.factory()
	if err != nil {
		return fmt.Errorf("create audio output: %w", err)
	}
	s.output = out
	return nil
}

// nextLocked pops the head buffer and computes its start. With an empty
// queue it marks the scheduler idle.
func (s *PlaybackScheduler) nextLocked() (scheduledPlay, bool) {
	if len(s.queue) == 0 || s.output == nil {
		s.playing = false
		return scheduledPlay{}, false
	}
	buf := s.queue[0]
	s.queue[0] = Buffer{}
	s.queue = s.queue[1:]
	return scheduledPlay{
		out: s.output,
		buf: buf,
		at:  max(s.nextStart, s.clock.Now()),
		gen: s.gen,
	}, true
}

func (s *PlaybackScheduler) play(p scheduledPlay) {
	p.out.Play(p.buf, p.at, func() { s.ended(p) })
}

func (s *PlaybackScheduler) ended(p scheduledPlay) {
	s.mu.Lock()
	if s.closed || p.gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.nextStart = p.at + p.buf.Duration
	next, ok := s.nextLocked()
	s.mu.Unlock()

	if ok {
		s.play(next)
	}
}
