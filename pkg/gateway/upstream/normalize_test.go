package upstream

import (
	"encoding/base64"
	"testing"

	"google.golang.org/genai"
)

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNormalize_OrderWithinMessage(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "hello there"},
			OutputTranscription: &genai.Transcription{Text: "hi!"},
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "hi"},
				{InlineData: &genai.Blob{Data: []byte{1, 0, 2, 0}, MIMEType: "audio/pcm;rate=24000"}},
				{InlineData: &genai.Blob{Data: []byte{9}, MIMEType: "image/png"}},
			}},
			TurnComplete: true,
		},
	}

	got := Normalize(msg)
	want := []EventKind{EventTranscript, EventTranscript, EventTranscript, EventAudioPart, EventTurnComplete}
	if len(got) != len(want) {
		t.Fatalf("kinds=%v, want %v", kinds(got), want)
	}
	for i := range want {
		if got[i].Kind != want[i] {
			t.Fatalf("kinds=%v, want %v", kinds(got), want)
		}
	}
	if got[0].Speaker != SpeakerUser || got[0].Text != "hello there" {
		t.Fatalf("first event=%+v", got[0])
	}
	if got[1].Speaker != SpeakerModel || got[2].Text != "hi" {
		t.Fatalf("model transcripts=%+v %+v", got[1], got[2])
	}
	audio := got[3].Audio
	if audio.MIMEType != "audio/pcm;rate=24000" {
		t.Fatalf("mime=%q", audio.MIMEType)
	}
	if audio.Data != base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}) {
		t.Fatalf("data=%q", audio.Data)
	}
}

func TestNormalize_SetupAndInterrupt(t *testing.T) {
	if got := Normalize(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}); len(got) != 1 || got[0].Kind != EventReady {
		t.Fatalf("setup -> %v", kinds(got))
	}
	got := Normalize(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	if len(got) != 1 || got[0].Kind != EventInterrupted {
		t.Fatalf("interrupted -> %v", kinds(got))
	}
	if got := Normalize(nil); got != nil {
		t.Fatalf("nil message -> %v", kinds(got))
	}
}

func TestNormalize_UnknownAudioMIMEFallsBackToPlaybackFormat(t *testing.T) {
	got := Normalize(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{0, 0}, MIMEType: "audio/weird"}},
		}},
	}})
	if len(got) != 1 || got[0].Audio.MIMEType != "audio/pcm;rate=24000" {
		t.Fatalf("events=%+v", got)
	}
}
