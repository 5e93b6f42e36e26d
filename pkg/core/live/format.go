package live

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate the upstream service expects.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the native rate of upstream speech.
	PlaybackSampleRate = 24000

	pcmMediaType = "audio/pcm"
)

// Format describes raw PCM carried by a Chunk.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CaptureFormat is mono PCM16 at 16 kHz.
var CaptureFormat = Format{SampleRate: CaptureSampleRate, Channels: 1, BitsPerSample: 16}

// PlaybackFormat is mono PCM16 at 24 kHz.
var PlaybackFormat = Format{SampleRate: PlaybackSampleRate, Channels: 1, BitsPerSample: 16}

// MIMEType renders the format as the tag used on the wire, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return pcmMediaType + ";rate=" + strconv.Itoa(f.SampleRate)
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of audio in this format last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ParseMIMEType parses "audio/pcm;rate=N". A missing rate falls back to def.
// Only mono 16-bit PCM is supported.
func ParseMIMEType(mimeType string, def Format) (Format, error) {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return def, nil
	}

	parts := strings.Split(mimeType, ";")
	media := strings.ToLower(strings.TrimSpace(parts[0]))
	if media != pcmMediaType && media != "audio/l16" {
		return Format{}, fmt.Errorf("unsupported audio mime type %q", mimeType)
	}

	out := def
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			rate, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || rate <= 0 {
				return Format{}, fmt.Errorf("invalid sample rate in %q", mimeType)
			}
			out.SampleRate = rate
		case "channels":
			ch, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || ch != 1 {
				return Format{}, fmt.Errorf("only mono audio is supported, got %q", mimeType)
			}
		}
	}
	return out, nil
}
