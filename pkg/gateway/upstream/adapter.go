// Package upstream connects a relay session to the remote streaming
// conversational service and normalizes everything it emits into one ordered
// stream of Events.
package upstream

import (
	"context"
	"errors"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Kore"
)

var (
	ErrNotConnected     = errors.New("upstream: not connected")
	ErrAlreadyConnected = errors.New("upstream: connect already called")
	ErrClosed           = errors.New("upstream: adapter closed")
)

// ModelConfig is the per-session setup sent on connect. Output is always audio.
type ModelConfig struct {
	Model               string
	Voice               string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
}

// Adapter owns exactly one upstream connection.
//
// Connect may be called once per adapter. SendAudio and SendText fail with
// ErrNotConnected before Connect succeeds and ErrClosed after Close. Events
// are delivered on a single channel in receipt order; the channel is closed
// after the final closed event or after Close. SendAudio takes PCM the caller
// has already decoded and validated.
type Adapter interface {
	Connect(ctx context.Context, cfg ModelConfig) error
	SendAudio(ctx context.Context, pcm []byte, format live.Format) error
	SendText(ctx context.Context, text string) error
	Events() <-chan Event
	Close() error
}

// AdapterFactory builds a fresh adapter for a resolved credential.
type AdapterFactory interface {
	New(provider, apiKey string) (Adapter, error)
}

type EventKind string

const (
	EventReady        EventKind = "ready"
	EventTranscript   EventKind = "transcript"
	EventAudioPart    EventKind = "audio_part"
	EventTurnComplete EventKind = "turn_complete"
	EventInterrupted  EventKind = "interrupted"
	EventClosed       EventKind = "closed"
	EventError        EventKind = "error"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Event is the normalized upstream notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// transcript
	Speaker Speaker
	Text    string

	// audio_part
	Audio live.Chunk

	// closed
	Reason string

	// error
	Message string
}
