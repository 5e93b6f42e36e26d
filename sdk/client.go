// Package relay is the Go client for the live voice relay: it encodes
// microphone audio, drives a /v1/live session and schedules the spoken
// responses for gapless playback.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultOutboundSize     = 64
	defaultMaxRetries       = 5
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffCap       = 10 * time.Second

	// init plus start_stream are queued before the write loop starts.
	handshakeFrames = 2
)

// ErrOutboundFull is returned when the socket cannot keep up with sends.
var ErrOutboundFull = errors.New("relay client outbound queue is full")

// errSessionEnded ends a connection without a reconnect.
var errSessionEnded = errors.New("session ended")

// Client holds one logical relay session across reconnects.
type Client struct {
	endpoint  string
	apiKey    string
	sessionID string
	userID    string
	examID    string
	init      protocol.ClientInit

	handler  Handler
	playback *PlaybackScheduler
	dialer   *websocket.Dialer
	logger   *slog.Logger

	maxRetries   uint64
	backoffBase  time.Duration
	backoffCap   time.Duration
	outboundSize int

	mu        sync.Mutex
	out       chan []byte
	ready     bool // the current connection has seen ready
	streaming bool
	stopping  bool
	running   bool
	closed    bool
	cancel    context.CancelFunc
}

// NewClient builds a client for the relay at baseURL (http(s) or ws(s)). A
// path-less URL is pointed at /v1/live.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	endpoint, err := liveEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:     endpoint,
		init:         protocol.ClientInit{Type: protocol.TypeInit},
		dialer:       &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:       slog.Default(),
		maxRetries:   defaultMaxRetries,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		outboundSize: defaultOutboundSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if strings.TrimSpace(c.sessionID) == "" {
		c.sessionID = uuid.NewString()
	}
	return c, nil
}

func liveEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q", baseURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay URL must use http(s) or ws(s)")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/live"
	}
	return u.String(), nil
}

func (c *Client) SessionID() string { return c.sessionID }

// Connected reports whether a socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Run connects and serves the session until it ends, reconnecting with
// jittered exponential backoff when the transport drops. The retry budget
// starts over once a connection reaches ready. It returns nil once the relay
// reports the session stopped, a *ServerError when the relay closed it,
// ctx.Err() on cancel, and the last error when retries run out or the relay
// refuses the handshake.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return errors.New("relay client is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	err := c.reconnectLoop(ctx)
	if err != nil && ctx.Err() != nil && c.isClosed() {
		return ErrClosed
	}
	return err
}

// reconnectLoop runs one retry.Do per healthy stretch. A drop after ready
// leaves the current Do and the next one starts with a fresh backoff, so
// only consecutive failures count against maxRetries.
func (c *Client) reconnectLoop(ctx context.Context) error {
	attempt := 0
	for {
		healthy := false
		err := retry.Do(ctx, c.newBackoff(), func(ctx context.Context) error {
			attempt++
			ready, err := c.serve(ctx)
			switch {
			case err == nil || errors.Is(err, errSessionEnded):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case !retryable(err):
				return err
			}
			c.logger.Warn("relay connection lost, reconnecting", "session_id", c.sessionID, "attempt", attempt, "error", err)
			if ready {
				healthy = true
				return err
			}
			return retry.RetryableError(err)
		})
		if !healthy || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoffBase):
		}
	}
}

func (c *Client) newBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.backoffBase)
	backoff = retry.WithCappedDuration(c.backoffCap, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	return retry.WithMaxRetries(c.maxRetries, backoff)
}

func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	var se *ServerError
	return !errors.As(err, &se)
}

// serve runs one connection: a read loop that dispatches in order, a write
// loop that owns socket writes, and a watcher that closes the socket when
// either side fails. ready reports whether the relay answered init.
func (c *Client) serve(ctx context.Context) (ready bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	out := make(chan []byte, max(c.outboundSize, handshakeFrames))
	if err := c.queueHandshake(out); err != nil {
		_ = conn.Close()
		return false, err
	}
	c.mu.Lock()
	c.out = out
	c.ready = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		ready = c.ready
		if c.out == out {
			c.out = nil
		}
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return writeLoop(gctx, conn, out) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	err = g.Wait()
	if errors.Is(err, errSessionEnded) {
		return true, nil
	}
	return false, err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("sessionId", c.sessionID)
	if c.userID != "" {
		q.Set("userId", c.userID)
	}
	if c.examID != "" {
		q.Set("examId", c.examID)
	}
	u.RawQuery = q.Encode()

	headers := make(http.Header)
	if c.apiKey != "" {
		headers.Set("X-API-Key", c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		te := &TransportError{Op: "GET", URL: u.String(), Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}
	return conn, nil
}

// queueHandshake puts init first, then start_stream when the caller was
// streaming before a reconnect. The relay handles them in order. out must
// hold handshakeFrames without a reader.
func (c *Client) queueHandshake(out chan []byte) error {
	c.mu.Lock()
	streaming := c.streaming
	c.mu.Unlock()

	initFrame, err := json.Marshal(c.init)
	if err != nil {
		return fmt.Errorf("encode init: %w", err)
	}
	out <- initFrame
	if streaming {
		frame, _ := json.Marshal(protocol.ClientStartStream{Type: protocol.TypeStartStream})
		out <- frame
	}
	return nil
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return &TransportError{Op: "write", Err: err}
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.isStopping() {
				return errSessionEnded
			}
			return &TransportError{Op: "read", Err: err}
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping undecodable relay frame", "session_id", c.sessionID, "error", err)
			continue
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

// dispatch handles one message before the next is read, so a flush for
// interrupted always lands before later audio is scheduled. A non-nil result
// ends the connection.
func (c *Client) dispatch(msg Message) error {
	var end error
	switch p := msg.Payload.(type) {
	case protocol.ServerAudioResponse:
		if c.playback != nil {
			if err := c.playback.Enqueue(live.Chunk{Data: p.Audio, MIMEType: p.MimeType}); err != nil {
				c.logger.Warn("dropping response audio", "session_id", c.sessionID, "error", err)
			}
		}
	case protocol.ServerInterrupted:
		if c.playback != nil {
			if err := c.playback.Flush(); err != nil {
				c.logger.Warn("playback flush failed", "session_id", c.sessionID, "error", err)
			}
		}
	case protocol.ServerReady:
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
	case protocol.ServerSessionClosed:
		end = &ServerError{Code: protocol.TypeSessionClosed, Message: p.Reason}
	case protocol.ServerStopped:
		end = errSessionEnded
	}
	if c.handler != nil {
		c.handler.HandleMessage(msg)
	}
	return end
}

func (c *Client) send(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrOutboundFull
	}
}

func (c *Client) StartStream() error {
	if err := c.send(protocol.ClientStartStream{Type: protocol.TypeStartStream}); err != nil {
		return err
	}
	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	return nil
}

// SendAudio sends one captured chunk. It never blocks; see ErrOutboundFull.
func (c *Client) SendAudio(chunk live.Chunk) error {
	return c.send(protocol.ClientAudioChunk{Type: protocol.TypeAudioChunk, Audio: chunk})
}

// EndStream stops the microphone stream. stats, if non-nil, is echoed back in
// stream_ended.
func (c *Client) EndStream(stats any) error {
	msg := protocol.ClientEndStream{Type: protocol.TypeEndStream}
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		msg.Stats = raw
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	return nil
}

func (c *Client) SendText(text string) error {
	return c.send(protocol.ClientText{Type: protocol.TypeText, Text: text})
}

// Stop asks the relay to end the session. Run returns once it answers.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	return c.send(protocol.ClientStop{Type: protocol.TypeStop})
}

// Close tears down the connection without waiting for the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
