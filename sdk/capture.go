package relay

import (
	"github.com/haidevelopment/service-proxy-ai/pkg/core/live"
)

// DefaultCaptureBlockSize is the number of samples per captured block.
const DefaultCaptureBlockSize = 4096

// CaptureEncoder turns microphone blocks into wire chunks. It is driven by
// the audio callback: every Process call emits exactly one chunk, so the
// cadence is blockSize / sampleRate.
type CaptureEncoder struct {
	format live.Format
	sink   func(live.Chunk)
}

// NewCaptureEncoder returns an encoder for mono 16 kHz capture that hands
// each chunk to sink. sink must not block.
func NewCaptureEncoder(sink func(live.Chunk)) *CaptureEncoder {
	return &CaptureEncoder{format: live.CaptureFormat, sink: sink}
}

// Encode converts one block of float samples into a chunk.
func (e *CaptureEncoder) Encode(block []float32) live.Chunk {
	return live.EncodeChunk(live.FloatToPCM16(block), e.format)
}

// Process encodes block and passes it to the sink. Empty blocks are dropped.
func (e *CaptureEncoder) Process(block []float32) {
	if len(block) == 0 || e.sink == nil {
		return
	}
	e.sink(e.Encode(block))
}

// Format reports the capture format.
func (e *CaptureEncoder) Format() live.Format {
	return e.format
}
