package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the relay API key, sent as X-API-Key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithSessionID pins the session id. Reconnects reuse it so the relay
// replaces the old registration instead of adding one.
func WithSessionID(id string) ClientOption {
	return func(c *Client) {
		c.sessionID = id
	}
}

func WithUserID(id string) ClientOption {
	return func(c *Client) {
		c.userID = id
	}
}

func WithExamID(id string) ClientOption {
	return func(c *Client) {
		c.examID = id
	}
}

// WithInit sets the init message sent on every (re)connect.
func WithInit(msg protocol.ClientInit) ClientOption {
	return func(c *Client) {
		msg.Type = protocol.TypeInit
		c.init = msg
	}
}

// WithHandler receives every server message, in arrival order, on the read
// goroutine. It must not block.
func WithHandler(h Handler) ClientOption {
	return func(c *Client) {
		c.handler = h
	}
}

// WithPlayback routes audio_response into p and flushes it on interrupted
// before the handler sees either message.
func WithPlayback(p *PlaybackScheduler) ClientOption {
	return func(c *Client) {
		c.playback = p
	}
}

// WithReconnect sets the reconnect policy: at most maxRetries attempts after
// the first, exponential from base, each wait capped at maxWait.
func WithReconnect(maxRetries uint64, base, maxWait time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if base > 0 {
			c.backoffBase = base
		}
		if maxWait > 0 {
			c.backoffCap = maxWait
		}
	}
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithOutboundBuffer sets how many frames may wait for the socket before
// sends fail with ErrOutboundFull.
func WithOutboundBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.outboundSize = n
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
