package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

const eventBufferSize = 64

// liveSession is the subset of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg ModelConfig) (liveSession, error)

// GeminiAdapter relays one session over the Gemini Live API.
type GeminiAdapter struct {
	dial   dialFunc
	logger *slog.Logger

	events chan Event

	mu        sync.Mutex
	session   liveSession
	connected bool
	started   bool
	receiving bool

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewGeminiAdapter returns an adapter that dials the Live API with apiKey.
func NewGeminiAdapter(apiKey string, httpClient *http.Client, logger *slog.Logger) *GeminiAdapter {
	dial := func(ctx context.Context, cfg ModelConfig) (liveSession, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		session, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return newGeminiAdapter(dial, logger)
}

func newGeminiAdapter(dial dialFunc, logger *slog.Logger) *GeminiAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiAdapter{
		dial:   dial,
		logger: logger,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

func liveConnectConfig(cfg ModelConfig) *genai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

func (a *GeminiAdapter) Events() <-chan Event { return a.events }

func (a *GeminiAdapter) Connect(ctx context.Context, cfg ModelConfig) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.started = true
	a.mu.Unlock()

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	session, err := a.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Model, err)
	}

	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		_ = session.Close()
		return ErrClosed
	}
	a.session = session
	a.connected = true
	a.receiving = true
	a.mu.Unlock()

	go a.receiveLoop(session)
	return nil
}

func (a *GeminiAdapter) activeSession() (liveSession, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.session == nil {
		return nil, ErrNotConnected
	}
	return a.session, nil
}

func (a *GeminiAdapter) SendAudio(ctx context.Context, pcm []byte, format live.Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := a.activeSession()
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return live.ErrEmptyChunk
	}
	return session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: format.MIMEType()},
	})
}

func (a *GeminiAdapter) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := a.activeSession()
	if err != nil {
		return err
	}
	return session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

func (a *GeminiAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.done)
		session, receiving := a.session, a.receiving
		a.connected = false
		a.mu.Unlock()

		if session != nil {
			err = session.Close()
		}
		// Without a receive loop nobody else closes the channel.
		if !receiving {
			close(a.events)
		}
	})
	return err
}

func (a *GeminiAdapter) receiveLoop(session liveSession) {
	defer close(a.events)

	for {
		msg, err := session.Receive()
		if err != nil {
			if a.closed.Load() {
				return
			}
			reason := closeReason(err)
			a.logger.Info("upstream session ended", "reason", reason)
			if !isNormalClose(err) {
				a.emit(Event{Kind: EventError, Message: err.Error()})
			}
			a.emit(Event{Kind: EventClosed, Reason: reason})
			return
		}
		if msg.GoAway != nil {
			a.logger.Info("upstream requested disconnect", "time_left_ms", msg.GoAway.TimeLeft.Milliseconds())
		}
		for _, ev := range Normalize(msg) {
			if !a.emit(ev) {
				return
			}
		}
	}
}

// emit blocks until the consumer takes ev or the adapter is closed.
func (a *GeminiAdapter) emit(ev Event) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("closed with code %d", ce.Code)
	}
	return err.Error()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
