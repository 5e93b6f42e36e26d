package upstream

import (
	"encoding/base64"
	"strings"

	"google.golang.org/genai"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

// Normalize translates one Live API server message into events, in the order
// the client should see them: user transcript, model transcript, model turn
// parts, interrupted, turn complete. Tool calls and usage metadata are not
// relayed.
func Normalize(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}

	var out []Event
	if msg.SetupComplete != nil {
		out = append(out, Event{Kind: EventReady})
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, Event{Kind: EventTranscript, Speaker: SpeakerUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, Event{Kind: EventTranscript, Speaker: SpeakerModel, Text: sc.OutputTranscription.Text})
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				out = append(out, Event{Kind: EventTranscript, Speaker: SpeakerModel, Text: part.Text})
			}
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if _, err := live.ParseMIMEType(mime, live.PlaybackFormat); err != nil {
					mime = live.PlaybackFormat.MIMEType()
				}
				out = append(out, Event{
					Kind: EventAudioPart,
					Audio: live.Chunk{
						Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
						MIMEType: mime,
					},
				})
			}
		}
	}

	if sc.Interrupted {
		out = append(out, Event{Kind: EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, Event{Kind: EventTurnComplete})
	}
	return out
}
