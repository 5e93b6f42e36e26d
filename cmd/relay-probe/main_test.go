package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
	relay "github.com/haidevelopment/service-proxy-ai/sdk"
)

// scriptedRelay answers one probe session: ready after init, one spoken
// reply after end_stream (or text), stopped after stop.
type scriptedRelay struct {
	t     *testing.T
	reply time.Duration

	mu     sync.Mutex
	chunks int
	stats  map[string]any
	text   string
}

func (s *scriptedRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			s.t.Errorf("server write: %v", err)
		}
	}
	pcm := make([]byte, live.PlaybackFormat.BytesPerSecond()*int(s.reply/time.Millisecond)/1000)
	reply := live.EncodeChunk(pcm, live.PlaybackFormat)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg["type"] {
		case protocol.TypeInit:
			send(protocol.ServerReady{Type: protocol.TypeReady, Message: "ready"})
		case protocol.TypeAudioChunk:
			s.mu.Lock()
			s.chunks++
			s.mu.Unlock()
		case protocol.TypeEndStream, protocol.TypeText:
			s.mu.Lock()
			if stats, ok := msg["stats"].(map[string]any); ok {
				s.stats = stats
			}
			if text, ok := msg["text"].(string); ok {
				s.text = text
			}
			s.mu.Unlock()
			send(protocol.ServerAudioResponse{Type: protocol.TypeAudioResponse, Audio: reply.Data, MimeType: reply.MIMEType})
			send(protocol.ServerTurnComplete{Type: protocol.TypeTurnComplete})
		case protocol.TypeStop:
			send(protocol.ServerStopped{Type: protocol.TypeStopped})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func startScriptedRelay(t *testing.T, reply time.Duration) (*scriptedRelay, string) {
	t.Helper()
	s := &scriptedRelay{t: t, reply: reply}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunProbe_StreamsToneAndRecordsReply(t *testing.T) {
	fake, url := startScriptedRelay(t, 100*time.Millisecond)
	out := filepath.Join(t.TempDir(), "reply.pcm")

	err := runProbe(context.Background(), options{
		relayURL:  url,
		toneMS:    300,
		blockSize: 1600,
		outputPCM: out,
		timeout:   5 * time.Second,
	}, quietLogger())
	if err != nil {
		t.Fatalf("runProbe: %v", err)
	}

	fake.mu.Lock()
	chunks, stats := fake.chunks, fake.stats
	fake.mu.Unlock()
	if chunks != 3 {
		t.Fatalf("audio chunks=%d, want 3", chunks)
	}
	if stats["blocks"] != float64(3) {
		t.Fatalf("end_stream stats=%v", stats)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if want := int64(live.PlaybackFormat.BytesPerSecond() / 10); info.Size() != want {
		t.Fatalf("reply bytes=%d, want %d", info.Size(), want)
	}
}

func TestRunProbe_TextTurn(t *testing.T) {
	fake, url := startScriptedRelay(t, 20*time.Millisecond)

	err := runProbe(context.Background(), options{
		relayURL:  url,
		text:      "hello there",
		blockSize: relay.DefaultCaptureBlockSize,
		outputPCM: filepath.Join(t.TempDir(), "reply.pcm"),
		timeout:   5 * time.Second,
	}, quietLogger())
	if err != nil {
		t.Fatalf("runProbe: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.text != "hello there" || fake.chunks != 0 {
		t.Fatalf("text=%q chunks=%d", fake.text, fake.chunks)
	}
}

func TestRunProbe_RefusedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	err := runProbe(context.Background(), options{
		relayURL:  srv.URL,
		toneMS:    100,
		blockSize: 1600,
		outputPCM: filepath.Join(t.TempDir(), "reply.pcm"),
		timeout:   5 * time.Second,
	}, quietLogger())
	if err == nil {
		t.Fatalf("expected refusal to fail the probe")
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "defaults", args: nil},
		{name: "text only", args: []string{"-tone-ms=0", "-text=hi"}},
		{name: "nothing to send", args: []string{"-tone-ms=0"}, wantErr: true},
		{name: "bad block size", args: []string{"-block-size=0"}, wantErr: true},
		{name: "bad timeout", args: []string{"-timeout=0s"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("relay-probe", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			_, err := parseFlags(fs, tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestSplitBlocksAndTone(t *testing.T) {
	samples := tone(440, 250*time.Millisecond, live.CaptureSampleRate)
	if len(samples) != 4000 {
		t.Fatalf("tone samples=%d, want 4000", len(samples))
	}
	blocks := splitBlocks(samples, 1600)
	if len(blocks) != 3 || len(blocks[2]) != 800 {
		t.Fatalf("blocks=%d last=%d", len(blocks), len(blocks[len(blocks)-1]))
	}
	if got := blockDuration(1600, live.CaptureFormat); got != 100*time.Millisecond {
		t.Fatalf("blockDuration=%v", got)
	}
}
