package live

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"
)

func TestFloatToPCM16_AsymmetricFullScale(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "zero", in: 0, want: 0},
		{name: "positive full scale", in: 1, want: 32767},
		{name: "negative full scale", in: -1, want: -32768},
		{name: "clamp above", in: 1.5, want: 32767},
		{name: "clamp below", in: -3, want: -32768},
		{name: "half positive", in: 0.5, want: 16383},
		{name: "half negative", in: -0.5, want: -16384},
		{name: "truncates positive toward zero", in: 0.9999, want: 32763},
		{name: "truncates negative toward zero", in: -0.9999, want: -32764},
		{name: "sub-step negative is zero", in: -0.00001, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := FloatToPCM16([]float32{tt.in})
			got := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
			if got != tt.want {
				t.Fatalf("FloatToPCM16(%v)=%d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestPCM16RoundTripWithinOneStep(t *testing.T) {
	const step = 1.0 / 32768
	for i := -1000; i <= 1000; i++ {
		in := float64(float32(float64(i) / 1000))
		out := PCM16ToFloat(FloatToPCM16([]float32{float32(in)}))
		if len(out) != 1 {
			t.Fatalf("len=%d, want 1", len(out))
		}
		got := float64(out[0])
		want := in
		if in > 0 {
			// Positive samples carry the 32767/32768 gain.
			want = in * 32767 / 32768
		}
		if d := math.Abs(got - want); d >= step {
			t.Fatalf("round trip %v -> %v differs from %v by %v", in, got, want, d)
		}
		if math.Abs(got) > math.Abs(want)+1e-12 {
			t.Fatalf("round trip %v -> %v moved away from zero", in, got)
		}
	}
}

func TestPCM16ToFloat_IgnoresTrailingByte(t *testing.T) {
	out := PCM16ToFloat([]byte{0x00, 0x80, 0x01})
	if len(out) != 1 {
		t.Fatalf("len=%d, want 1", len(out))
	}
	if out[0] != -1 {
		t.Fatalf("sample=%v, want -1", out[0])
	}
}

func TestCalculateRMSEnergy(t *testing.T) {
	if got := CalculateRMSEnergy(nil); got != 0 {
		t.Fatalf("empty rms=%v, want 0", got)
	}
	pcm := FloatToPCM16([]float32{0.5, -0.5, 0.5, -0.5})
	if got := CalculateRMSEnergy(pcm); math.Abs(got-0.5) > 0.01 {
		t.Fatalf("rms=%v, want ~0.5", got)
	}
}

func TestParseMIMEType(t *testing.T) {
	f, err := ParseMIMEType("audio/pcm;rate=24000", CaptureFormat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.SampleRate != 24000 || f.Channels != 1 || f.BitsPerSample != 16 {
		t.Fatalf("format=%+v", f)
	}

	f, err = ParseMIMEType("", PlaybackFormat)
	if err != nil || f != PlaybackFormat {
		t.Fatalf("empty mime -> %+v, %v", f, err)
	}

	if _, err := ParseMIMEType("audio/opus", CaptureFormat); err == nil {
		t.Fatalf("expected error for opus")
	}
	if _, err := ParseMIMEType("audio/pcm;rate=abc", CaptureFormat); err == nil {
		t.Fatalf("expected error for bad rate")
	}
}

func TestFormatDuration(t *testing.T) {
	if got := PlaybackFormat.Duration(48000); got != time.Second {
		t.Fatalf("duration=%v, want 1s", got)
	}
	if got := CaptureFormat.Duration(4096 * 2); got != 256*time.Millisecond {
		t.Fatalf("duration=%v, want 256ms", got)
	}
	if CaptureFormat.MIMEType() != "audio/pcm;rate=16000" {
		t.Fatalf("mime=%q", CaptureFormat.MIMEType())
	}
}

func TestChunkDecode(t *testing.T) {
	c := EncodeChunk([]byte{1, 2, 3, 4}, CaptureFormat)
	pcm, f, err := c.Decode(PlaybackFormat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pcm) != 4 || f.SampleRate != 16000 {
		t.Fatalf("pcm=%v format=%+v", pcm, f)
	}

	if err := (Chunk{}).Validate(CaptureFormat); !errors.Is(err, ErrEmptyChunk) {
		t.Fatalf("err=%v, want ErrEmptyChunk", err)
	}
	odd := Chunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}
	if err := odd.Validate(CaptureFormat); !errors.Is(err, ErrMisalignedChunk) {
		t.Fatalf("err=%v, want ErrMisalignedChunk", err)
	}
	if err := (Chunk{Data: "!!!"}).Validate(CaptureFormat); err == nil {
		t.Fatalf("expected base64 error")
	}
}
