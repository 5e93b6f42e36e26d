package live

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrEmptyChunk      = errors.New("audio chunk is empty")
	ErrMisalignedChunk = errors.New("audio chunk is not aligned to 16-bit samples")
)

// Chunk is one ordered unit of audio on the wire: base64 PCM plus its MIME tag.
type Chunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// EncodeChunk wraps raw PCM16 bytes in a chunk tagged with f.
func EncodeChunk(pcm []byte, f Format) Chunk {
	return Chunk{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: f.MIMEType(),
	}
}

// Decode returns the raw PCM bytes and format of the chunk. def supplies the
// format when the chunk carries no MIME type.
func (c Chunk) Decode(def Format) ([]byte, Format, error) {
	if c.Data == "" {
		return nil, Format{}, ErrEmptyChunk
	}
	f, err := ParseMIMEType(c.MIMEType, def)
	if err != nil {
		return nil, Format{}, err
	}
	pcm, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode base64 audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, Format{}, ErrEmptyChunk
	}
	if len(pcm)%2 != 0 {
		return nil, Format{}, ErrMisalignedChunk
	}
	return pcm, f, nil
}

// Validate checks that the chunk decodes without returning the payload.
func (c Chunk) Validate(def Format) error {
	_, _, err := c.Decode(def)
	return err
}
