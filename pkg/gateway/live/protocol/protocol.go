package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

// Client -> server message types.
const (
	TypeInit        = "init"
	TypeStartStream = "start_stream"
	TypeAudioChunk  = "audio_chunk"
	TypeEndStream   = "end_stream"
	TypeText        = "text"
	TypeStop        = "stop"
)

// Server -> client message types.
const (
	TypeSessionInfo      = "session_info"
	TypeReady            = "ready"
	TypeStreamingStarted = "streaming_started"
	TypeStreamEnded      = "stream_ended"
	TypeTextResponse     = "text_response"
	TypeUserTranscript   = "user_transcript"
	TypeAudioResponse    = "audio_response"
	TypeTurnComplete     = "turn_complete"
	TypeInterrupted      = "interrupted"
	TypeError            = "error"
	TypeWarning          = "warning"
	TypeSessionClosed    = "session_closed"
	TypeStopped          = "stopped"
)

// Error codes carried by ServerError.Code.
const (
	CodeBadRequest    = "bad_request"
	CodeUnsupported   = "unsupported"
	CodeConnection    = "connection"
	CodeProtocol      = "protocol"
	CodeUpstreamRelay = "upstream_relay"
	CodeAudioDecode   = "audio_decode"
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeDraining      = "draining"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

type ClientInit struct {
	Type       string   `json:"type"`
	PromptType string   `json:"promptType,omitempty"`
	Level      string   `json:"level,omitempty"`
	VoiceName  string   `json:"voiceName,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	FocusAreas []string `json:"focusAreas,omitempty"`

	// Passed through untouched.
	StudentInfo json.RawMessage `json:"studentInfo,omitempty"`
	ExamID      string          `json:"examId,omitempty"`
	ExamType    string          `json:"examType,omitempty"`
	TimeLimit   json.RawMessage `json:"timeLimit,omitempty"`
}

type ClientStartStream struct {
	Type string `json:"type"`
}

type ClientAudioChunk struct {
	Type  string     `json:"type"`
	Audio live.Chunk `json:"audio"`
}

type ClientEndStream struct {
	Type  string          `json:"type"`
	Stats json.RawMessage `json:"stats,omitempty"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientStop struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one text frame into its typed message.
// Malformed JSON and unknown types yield a *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeInit:
		var msg ClientInit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid init", "")
		}
		msg.PromptType = strings.TrimSpace(msg.PromptType)
		msg.Level = strings.TrimSpace(msg.Level)
		msg.VoiceName = strings.TrimSpace(msg.VoiceName)
		return msg, nil
	case TypeStartStream:
		return ClientStartStream{Type: typ}, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &DecodeError{Code: CodeAudioDecode, Message: "invalid audio_chunk", Param: "audio"}
		}
		if strings.TrimSpace(msg.Audio.Data) == "" {
			return nil, &DecodeError{Code: CodeAudioDecode, Message: "audio_chunk.audio.data is required", Param: "audio.data"}
		}
		return msg, nil
	case TypeEndStream:
		var msg ClientEndStream
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_stream", "")
		}
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case TypeStop:
		return ClientStop{Type: typ}, nil
	default:
		return nil, unsupported("unknown message type: "+typ, "type")
	}
}

// Stats are the per-session counters reported in stopped and introspection.
type Stats struct {
	AudioChunksSent     int64 `json:"audioChunksSent"`
	AudioChunksReceived int64 `json:"audioChunksReceived"`
	MessagesSent        int64 `json:"messagesSent"`
	MessagesReceived    int64 `json:"messagesReceived"`
}

type ServerSessionInfo struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type ServerReady struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	VoiceName  string `json:"voiceName"`
	PromptType string `json:"promptType"`
	Level      string `json:"level"`
}

type ServerStreamingStarted struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerStreamEnded struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Stats     json.RawMessage `json:"stats"`
}

type ServerText struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerAudioResponse struct {
	Type      string `json:"type"`
	Audio     string `json:"audio"`
	MimeType  string `json:"mimeType"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerTurnComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerInterrupted struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Param     string `json:"param,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerSessionClosed struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type ServerStopped struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Stats     Stats  `json:"stats"`
}
