package relay

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNotConnected is returned by send methods while no connection is up.
	ErrNotConnected = errors.New("relay client is not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay client is closed")
)

// TransportError represents websocket transport failures (DNS, refused
// handshake, connection reset) while talking to the relay.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from errors reported by the relay itself (*ServerError).
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.StatusCode != 0:
		return fmt.Sprintf("transport error during %s %s (status %d): %v", e.Op, redactURL(e.URL), e.StatusCode, e.Err)
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Temporary reports whether a reconnect may succeed. Handshakes refused
// with 4xx (bad key, IP not allowed) are permanent, except 429.
func (e *TransportError) Temporary() bool {
	if e == nil {
		return false
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == 429
	}
	return true
}

// ServerError reports that the relay ended the session on its side, for
// example because the upstream conversation closed. Run does not retry it.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return "relay error: " + e.Message
	}
	return fmt.Sprintf("relay error (%s): %s", e.Code, e.Message)
}

// redactURL drops user info and the apiKey query parameter.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
