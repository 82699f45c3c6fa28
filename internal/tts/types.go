package tts

import (
	"context"
	"strings"
)

// Encoding names the container/codec of an AudioBuffer.
type Encoding string

const (
	EncodingMP3      Encoding = "mp3"
	EncodingLinear16 Encoding = "linear16" // WAV container, signed 16-bit PCM
	EncodingOggOpus  Encoding = "ogg_opus"
)

// ParseEncoding normalizes a configured encoding name.
func ParseEncoding(s string) Encoding {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear16", "wav", "pcm":
		return EncodingLinear16
	case "ogg_opus", "opus", "ogg":
		return EncodingOggOpus
	default:
		return EncodingMP3
	}
}

// SynthRequest contains parameters to synthesize speech for one generation.
type SynthRequest struct {
	Text       string
	Language   string
	Voice      string
	Generation uint64
}

// AudioBuffer holds encoded audio returned by a synthesizer.
type AudioBuffer struct {
	Data     []byte
	Encoding Encoding
}

// Synthesizer is the contract for producing encoded audio from text.
// Implementations return a *Failure on error.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (AudioBuffer, error)
}

// Warmer is implemented by synthesizers that can prefetch credentials.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Closer is implemented by synthesizers holding connections.
type Closer interface {
	Close() error
}
