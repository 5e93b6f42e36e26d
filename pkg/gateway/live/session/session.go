package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/prompts"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/upstream"
)

const (
	defaultLevel              = "intermediate"
	outboundPriorityQueueSize = 8
)

var errStopped = errors.New("live session stopped")

// Conn is the client websocket. *websocket.Conn satisfies it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Observer receives session activity for metrics. Calls are made from the
// session goroutine and must not block.
type Observer interface {
	StateChanged(from, to State)
	ClientMessage(msgType string)
	UpstreamEvent(kind upstream.EventKind)
	Error(kind ErrorKind)
	AudioRelayed(direction string, bytes int)
}

// Audio relay directions reported to Observer.AudioRelayed.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) ClientMessage(string) {}
func (nopObserver) UpstreamEvent(upstream.EventKind) {}
func (nopObserver) Error(ErrorKind) {}
func (nopObserver) AudioRelayed(string, int) {}

type Config struct {
	GreetingDelay     time.Duration
	ConnectTimeout    time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int
}

type Dependencies struct {
	Conn     Conn
	Logger   *slog.Logger
	Factory  upstream.AdapterFactory
	Provider string
	// APIKey is the resolved upstream credential.
	APIKey   string
	Prompts  *prompts.Catalog
	Model    string
	Observer Observer

	SessionID string
	UserID    string
	ExamID    string
	ClientIP  string

	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// LiveSession relays one client connection to one upstream conversation at a
// time. All state transitions happen on the goroutine running Run.
type LiveSession struct {
	conn      Conn
	logger    *slog.Logger
	factory   upstream.AdapterFactory
	provider  string
	apiKey    string
	prompts   *prompts.Catalog
	model     string
	observer  Observer
	sessionID string
	userID    string
	clientIP  string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	writerDone       chan struct{}

	state        atomic.Int32
	stats        stats
	lastActivity atomic.Int64

	infoMu     sync.RWMutex
	promptType string
	voiceName  string
	level      string
	examID     string

	// Owned by the Run goroutine.
	adapter      upstream.Adapter
	events       <-chan upstream.Event
	greeting     string
	greetingSent bool
	greetTimer   *time.Timer
}

type inboundFrame struct {
	messageType int
	data        []byte
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("adapter factory is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if strings.TrimSpace(deps.Provider) == "" {
		deps.Provider = upstream.ProviderGemini
	}
	if strings.TrimSpace(deps.UserID) == "" {
		deps.UserID = "anonymous"
	}
	if deps.Config.GreetingDelay <= 0 {
		deps.Config.GreetingDelay = 500 * time.Millisecond
	}
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = 15 * time.Second
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "user_id", deps.UserID),
		factory:          deps.Factory,
		provider:         deps.Provider,
		apiKey:           deps.APIKey,
		prompts:          deps.Prompts,
		model:            deps.Model,
		observer:         deps.Observer,
		sessionID:        deps.SessionID,
		userID:           deps.UserID,
		clientIP:         deps.ClientIP,
		examID:           deps.ExamID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		writerDone:       make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	return s, nil
}

// Run serves the connection until the client stops or disconnects, the
// writer fails, or Cancel is called. It always releases the upstream handle.
func (s *LiveSession) Run() (err error) {
	defer s.cancel()
	defer s.releaseAdapter()
	defer s.stopGreetingTimer()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("live session panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("live session panic: %v", r)
		}
	}()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		defer close(s.writerDone)
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	s.logger.Info("live session connected", "client_ip", s.clientIP)
	defer s.logDisconnect()

	if err := s.sendJSON(protocol.ServerSessionInfo{
		Type:      protocol.TypeSessionInfo,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		return nil
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil {
				s.logger.Warn("live writer failed", "error", err)
			}
			return err
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if err := s.handleFrame(frame); err != nil {
				if errors.Is(err, errStopped) {
					return s.flushAndClose(writerErrCh)
				}
				return nil
			}
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			if err := s.handleEvent(ev); err != nil {
				return nil
			}
		case <-s.greetingC():
			s.greetTimer = nil
			if err := s.sendGreeting(); err != nil {
				return nil
			}
		}
	}
}

// Cancel ends the session from another goroutine.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning queues a warning ahead of normal traffic. Safe from any goroutine.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

func (s *LiveSession) handleFrame(frame inboundFrame) error {
	s.touch()
	s.stats.messagesReceived.Add(1)

	if frame.messageType != websocket.TextMessage {
		s.observer.ClientMessage("binary")
		return s.reportError(protocolError("binary frames are not supported"))
	}

	msg, decErr := protocol.DecodeClientMessage(frame.data)
	if decErr != nil {
		var de *protocol.DecodeError
		if errors.As(decErr, &de) && de.Code == protocol.CodeAudioDecode {
			s.observer.ClientMessage(protocol.TypeAudioChunk)
			s.stats.audioChunksReceived.Add(1)
			s.logger.Warn("dropping malformed audio chunk", "error", decErr)
			return s.reportError(audioDecodeError(decErr))
		}
		s.observer.ClientMessage("invalid")
		s.logger.Warn("invalid client message", "error", decErr)
		return s.reportError(protocolError(decErr.Error()))
	}

	switch m := msg.(type) {
	case protocol.ClientInit:
		s.observer.ClientMessage(protocol.TypeInit)
		return s.handleInit(m)
	case protocol.ClientStartStream:
		s.observer.ClientMessage(protocol.TypeStartStream)
		return s.handleStartStream()
	case protocol.ClientAudioChunk:
		s.observer.ClientMessage(protocol.TypeAudioChunk)
		return s.handleAudioChunk(m)
	case protocol.ClientEndStream:
		s.observer.ClientMessage(protocol.TypeEndStream)
		return s.handleEndStream(m)
	case protocol.ClientText:
		s.observer.ClientMessage(protocol.TypeText)
		return s.handleText(m)
	case protocol.ClientStop:
		s.observer.ClientMessage(protocol.TypeStop)
		return s.handleStop()
	default:
		return s.reportError(protocolError(fmt.Sprintf("unhandled message %T", msg)))
	}
}

func (s *LiveSession) handleInit(m protocol.ClientInit) error {
	if st := s.State(); !st.canInit() {
		return s.reportError(protocolError("init is not allowed while " + st.String()))
	}
	s.releaseAdapter()
	s.setState(StateConnecting)

	voice := m.VoiceName
	if voice == "" {
		voice = upstream.DefaultVoice
	}
	promptType := strings.ToUpper(m.PromptType)
	if promptType == "" {
		promptType = prompts.DefaultType
	}
	level := m.Level
	if level == "" {
		level = defaultLevel
	}

	s.infoMu.Lock()
	s.promptType, s.voiceName, s.level = promptType, voice, level
	if m.ExamID != "" {
		s.examID = m.ExamID
	}
	s.infoMu.Unlock()
	s.greeting = s.prompts.Greeting(promptType)

	cfg := upstream.ModelConfig{
		Model: s.model,
		Voice: voice,
		SystemInstruction: s.prompts.SystemInstruction(promptType, prompts.Options{
			Topic:      m.Topic,
			Level:      level,
			FocusAreas: m.FocusAreas,
		}),
		InputTranscription:  true,
		OutputTranscription: true,
	}

	if err := s.connect(cfg); err != nil {
		s.releaseAdapter()
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		s.setState(StateError)
		s.logger.Error("upstream connect failed", "error", err)
		return s.reportError(connectionError("Failed to connect to Gemini Live API", err))
	}

	s.setState(StateReady)
	s.logger.Info("live session initialized", "voice", voice, "prompt_type", promptType, "level", level)
	return s.sendJSON(protocol.ServerReady{
		Type:       protocol.TypeReady,
		Message:    "Gemini Live API ready",
		SessionID:  s.sessionID,
		UserID:     s.userID,
		VoiceName:  voice,
		PromptType: promptType,
		Level:      level,
	})
}

func (s *LiveSession) connect(cfg upstream.ModelConfig) error {
	adapter, err := s.factory.New(s.provider, s.apiKey)
	if err != nil {
		return err
	}
	s.adapter = adapter
	s.events = adapter.Events()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := adapter.Connect(ctx, cfg); err != nil {
		return err
	}
	return s.awaitReady(ctx)
}

// awaitReady consumes adapter events until the upstream signals ready. Other
// events seen meanwhile are relayed as usual.
func (s *LiveSession) awaitReady(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for upstream ready: %w", ctx.Err())
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				return errors.New("upstream closed before ready")
			}
			switch ev.Kind {
			case upstream.EventReady:
				s.observer.UpstreamEvent(ev.Kind)
				return nil
			case upstream.EventClosed:
				s.observer.UpstreamEvent(ev.Kind)
				return fmt.Errorf("upstream closed before ready: %s", ev.Reason)
			case upstream.EventError:
				s.observer.UpstreamEvent(ev.Kind)
				return errors.New(ev.Message)
			default:
				if err := s.handleEvent(ev); err != nil {
					return err
				}
			}
		}
	}
}

func (s *LiveSession) handleStartStream() error {
	if st := s.State(); st != StateReady {
		return s.reportError(protocolError("Live API not connected"))
	}
	s.setState(StateStreaming)
	if err := s.sendJSON(protocol.ServerStreamingStarted{
		Type:      protocol.TypeStreamingStarted,
		Message:   "Real-time audio streaming active",
		SessionID: s.sessionID,
		UserID:    s.userID,
	}); err != nil {
		return err
	}
	s.logger.Info("streaming started")

	if !s.greetingSent && s.greeting != "" {
		s.greetingSent = true
		s.greetTimer = time.NewTimer(s.cfg.GreetingDelay)
	}
	return nil
}

func (s *LiveSession) handleAudioChunk(m protocol.ClientAudioChunk) error {
	s.stats.audioChunksReceived.Add(1)
	if s.State() != StateStreaming {
		return s.reportError(protocolError("Not in streaming mode"))
	}

	pcm, format, err := m.Audio.Decode(live.CaptureFormat)
	if err != nil {
		s.logger.Warn("dropping malformed audio chunk", "error", err)
		return s.reportError(audioDecodeError(err))
	}
	if err := s.adapter.SendAudio(s.ctx, pcm, format); err != nil {
		s.logger.Warn("relay audio failed", "error", err)
		return s.reportError(relayError(err))
	}
	s.observer.AudioRelayed(DirectionInbound, len(pcm))
	return nil
}

func (s *LiveSession) handleEndStream(m protocol.ClientEndStream) error {
	if s.State() != StateStreaming {
		return s.reportError(protocolError("Not in streaming mode"))
	}
	s.setState(StateReady)
	s.logger.Info("streaming ended")

	stats := m.Stats
	if len(stats) == 0 {
		stats = json.RawMessage("null")
	}
	return s.sendJSON(protocol.ServerStreamEnded{
		Type:      protocol.TypeStreamEnded,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Stats:     stats,
	})
}

func (s *LiveSession) handleText(m protocol.ClientText) error {
	if !s.State().connected() {
		return s.reportError(protocolError("Live API not connected"))
	}
	if err := s.adapter.SendText(s.ctx, m.Text); err != nil {
		s.logger.Warn("relay text failed", "error", err)
		return s.reportError(relayError(err))
	}
	return nil
}

func (s *LiveSession) handleStop() error {
	s.logger.Info("stopping live session")
	s.setState(StateClosing)
	s.stopGreetingTimer()
	s.releaseAdapter()
	err := s.sendJSON(protocol.ServerStopped{
		Type:      protocol.TypeStopped,
		Message:   "Session stopped",
		SessionID: s.sessionID,
		UserID:    s.userID,
		Stats:     s.stats.snapshot(),
	})
	s.setState(StateClosed)
	if err != nil {
		return err
	}
	return errStopped
}

func (s *LiveSession) handleEvent(ev upstream.Event) error {
	s.touch()
	s.observer.UpstreamEvent(ev.Kind)

	switch ev.Kind {
	case upstream.EventReady:
		return nil
	case upstream.EventTranscript:
		typ := protocol.TypeTextResponse
		if ev.Speaker == upstream.SpeakerUser {
			typ = protocol.TypeUserTranscript
		}
		return s.sendJSON(protocol.ServerText{Type: typ, Text: ev.Text, SessionID: s.sessionID, UserID: s.userID})
	case upstream.EventAudioPart:
		if err := s.sendJSON(protocol.ServerAudioResponse{
			Type:      protocol.TypeAudioResponse,
			Audio:     ev.Audio.Data,
			MimeType:  ev.Audio.MIMEType,
			SessionID: s.sessionID,
			UserID:    s.userID,
		}); err != nil {
			return err
		}
		s.stats.audioChunksSent.Add(1)
		s.observer.AudioRelayed(DirectionOutbound, base64DecodedLen(ev.Audio.Data))
		return nil
	case upstream.EventTurnComplete:
		return s.sendJSON(protocol.ServerTurnComplete{Type: protocol.TypeTurnComplete, SessionID: s.sessionID, UserID: s.userID})
	case upstream.EventInterrupted:
		return s.sendJSON(protocol.ServerInterrupted{
			Type:      protocol.TypeInterrupted,
			Message:   "Model was interrupted",
			SessionID: s.sessionID,
			UserID:    s.userID,
		})
	case upstream.EventError:
		s.logger.Warn("upstream error", "error", ev.Message)
		return s.reportError(&Error{Kind: KindUpstreamRelay, Message: ev.Message})
	case upstream.EventClosed:
		s.logger.Info("upstream closed", "reason", ev.Reason)
		s.stopGreetingTimer()
		s.releaseAdapter()
		s.setState(StateClosed)
		return s.sendJSON(protocol.ServerSessionClosed{
			Type:      protocol.TypeSessionClosed,
			Reason:    ev.Reason,
			SessionID: s.sessionID,
			UserID:    s.userID,
		})
	default:
		s.logger.Debug("ignoring upstream event", "kind", ev.Kind)
		return nil
	}
}

func (s *LiveSession) sendGreeting() error {
	if !s.State().connected() || s.adapter == nil {
		return nil
	}
	if err := s.adapter.SendText(s.ctx, s.greeting); err != nil {
		s.logger.Warn("greeting failed", "error", err)
		return s.reportError(relayError(err))
	}
	s.logger.Info("greeting sent")
	return nil
}

func (s *LiveSession) greetingC() <-chan time.Time {
	if s.greetTimer == nil {
		return nil
	}
	return s.greetTimer.C
}

func (s *LiveSession) stopGreetingTimer() {
	if s.greetTimer == nil {
		return
	}
	s.greetTimer.Stop()
	s.greetTimer = nil
}

// releaseAdapter closes the upstream handle. Events still buffered in it are
// discarded.
func (s *LiveSession) releaseAdapter() {
	if s.adapter == nil {
		return
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.Debug("upstream close", "error", err)
	}
	s.adapter = nil
	s.events = nil
}

func (s *LiveSession) reportError(e *Error) error {
	s.observer.Error(e.Kind)
	return s.sendJSON(protocol.ServerError{
		Type:      protocol.TypeError,
		Code:      string(e.Kind),
		Message:   e.clientMessage(),
		SessionID: s.sessionID,
	})
}

func (s *LiveSession) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.observer.StateChanged(prev, next)
	}
}

func (s *LiveSession) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// flushAndClose lets the writer drain queued frames and send a close frame.
func (s *LiveSession) flushAndClose(writerErrCh <-chan error) error {
	close(s.outboundNormal)
	wait := 2 * s.cfg.WriteTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-writerErrCh:
		return err
	case <-timer.C:
		return nil
	}
}

func (s *LiveSession) logDisconnect() {
	st := s.stats.snapshot()
	s.logger.Info("live session disconnected",
		"duration_ms", s.now().Sub(s.startTime).Milliseconds(),
		"audio_chunks_received", st.AudioChunksReceived,
		"audio_chunks_sent", st.AudioChunksSent,
		"messages_received", st.MessagesReceived,
		"messages_sent", st.MessagesSent,
	)
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{payload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{payload: payload})
}

// enqueueNormal blocks while the client is slow. The wait only holds this
// session's goroutine.
func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		s.stats.messagesSent.Add(1)
		return nil
	case <-s.writerDone:
		return errBackpressure
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			s.stats.messagesSent.Add(1)
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	return errBackpressure
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// The client is gone; this also aborts a pending upstream connect.
			s.logger.Debug("live read ended", "error", err)
			s.cancel()
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func base64DecodedLen(data string) int {
	n := len(data) / 4 * 3
	switch {
	case strings.HasSuffix(data, "=="):
		n -= 2
	case strings.HasSuffix(data, "="):
		n--
	}
	return n
}
