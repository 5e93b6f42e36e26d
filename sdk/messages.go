package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

// Message is one decoded server frame. Payload holds the typed protocol
// struct for known types (e.g. protocol.ServerReady) and nil otherwise; Raw
// always holds the frame.
type Message struct {
	Type    string
	Payload any
	Raw     json.RawMessage
}

// Handler consumes server messages.
type Handler interface {
	HandleMessage(Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) HandleMessage(m Message) { f(m) }

// DecodeMessage decodes one server text frame. Unknown types decode with a
// nil Payload so newer relays stay compatible.
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("decode server frame: %w", err)
	}
	msg := Message{
		Type: strings.TrimSpace(envelope.Type),
		Raw:  append(json.RawMessage(nil), data...),
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("server frame has no type")
	}

	var err error
	switch msg.Type {
	case protocol.TypeSessionInfo:
		msg.Payload, err = decodeAs[protocol.ServerSessionInfo](data)
	case protocol.TypeReady:
		msg.Payload, err = decodeAs[protocol.ServerReady](data)
	case protocol.TypeStreamingStarted:
		msg.Payload, err = decodeAs[protocol.ServerStreamingStarted](data)
	case protocol.TypeStreamEnded:
		msg.Payload, err = decodeAs[protocol.ServerStreamEnded](data)
	case protocol.TypeTextResponse, protocol.TypeUserTranscript:
		msg.Payload, err = decodeAs[protocol.ServerText](data)
	case protocol.TypeAudioResponse:
		msg.Payload, err = decodeAs[protocol.ServerAudioResponse](data)
	case protocol.TypeTurnComplete:
		msg.Payload, err = decodeAs[protocol.ServerTurnComplete](data)
	case protocol.TypeInterrupted:
		msg.Payload, err = decodeAs[protocol.ServerInterrupted](data)
	case protocol.TypeError:
		msg.Payload, err = decodeAs[protocol.ServerError](data)
	case protocol.TypeWarning:
		msg.Payload, err = decodeAs[protocol.ServerWarning](data)
	case protocol.TypeSessionClosed:
		msg.Payload, err = decodeAs[protocol.ServerSessionClosed](data)
	case protocol.TypeStopped:
		msg.Payload, err = decodeAs[protocol.ServerStopped](data)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return msg, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
