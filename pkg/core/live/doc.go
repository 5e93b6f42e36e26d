// Package live holds the audio primitives shared by the relay server and the
// Go client: the PCM16 wire format, its base64 chunk envelope, and the float
// sample conversions used by capture and playback.
//
// # Wire format
//
// Audio travels as base64-encoded 16-bit signed little-endian mono PCM. The
// chunk's MIME type carries the sample rate:
//
//	audio/pcm;rate=16000   microphone capture (client -> relay -> upstream)
//	audio/pcm;rate=24000   model speech (upstream -> relay -> client)
//
// # Sample conversion
//
// Capture clamps each float sample to [-1, 1] and scales negative values by
// 32768 and positive values by 32767. Playback divides by 32768. Decoding a
// captured sample therefore recovers it within 1/32768, except that +1.0
// comes back as 32767/32768.
package live
