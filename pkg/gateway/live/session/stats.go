package session

import (
	"sync/atomic"
	"time"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

type stats struct {
	audioChunksSent     atomic.Int64
	audioChunksReceived atomic.Int64
	messagesSent        atomic.Int64
	messagesReceived    atomic.Int64
}

func (s *stats) snapshot() protocol.Stats {
	return protocol.Stats{
		AudioChunksSent:     s.audioChunksSent.Load(),
		AudioChunksReceived: s.audioChunksReceived.Load(),
		MessagesSent:        s.messagesSent.Load(),
		MessagesReceived:    s.messagesReceived.Load(),
	}
}

// Info is a point-in-time view of a session, safe to read from any goroutine.
type Info struct {
	SessionID    string
	UserID       string
	ExamID       string
	ClientIP     string
	State        State
	PromptType   string
	VoiceName    string
	Level        string
	StartTime    time.Time
	LastActivity time.Time
	Stats        protocol.Stats
}

// Snapshot returns the current Info.
func (s *LiveSession) Snapshot() Info {
	s.infoMu.RLock()
	promptType, voice, level, examID := s.promptType, s.voiceName, s.level, s.examID
	s.infoMu.RUnlock()

	return Info{
		SessionID:    s.sessionID,
		UserID:       s.userID,
		ExamID:       examID,
		ClientIP:     s.clientIP,
		State:        s.State(),
		PromptType:   promptType,
		VoiceName:    voice,
		Level:        level,
		StartTime:    s.startTime,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
		Stats:        s.stats.snapshot(),
	}
}

// State returns the current state.
func (s *LiveSession) State() State {
	return State(s.state.Load())
}
