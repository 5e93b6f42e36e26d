package session

import (
	"errors"
	"fmt"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

// ErrorKind classifies failures reported to the client.
type ErrorKind string

const (
	// KindConnection is fatal for the upstream handle; the client must re-init.
	KindConnection ErrorKind = protocol.CodeConnection
	// KindProtocol covers unknown or out-of-state messages; state is unchanged.
	KindProtocol ErrorKind = protocol.CodeProtocol
	// KindUpstreamRelay is a failed send after connect; the session continues.
	KindUpstreamRelay ErrorKind = protocol.CodeUpstreamRelay
	// KindAudioDecode marks a malformed chunk that was dropped.
	KindAudioDecode ErrorKind = protocol.CodeAudioDecode
)

var errBackpressure = errors.New("live outbound backpressure")

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func protocolError(message string) *Error {
	return &Error{Kind: KindProtocol, Message: message}
}

func connectionError(message string, err error) *Error {
	return &Error{Kind: KindConnection, Message: message, Err: err}
}

func relayError(err error) *Error {
	return &Error{Kind: KindUpstreamRelay, Message: err.Error(), Err: err}
}

func audioDecodeError(err error) *Error {
	return &Error{Kind: KindAudioDecode, Message: err.Error(), Err: err}
}

// clientMessage is the text sent to the client for e.
func (e *Error) clientMessage() string {
	if e.Kind == KindConnection && e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}
