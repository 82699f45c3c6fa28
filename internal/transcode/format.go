package transcode

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// Format is the raw PCM layout expected by the downstream consumer.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
}

func FormatFromConfig(cfg config.TranscoderConfig) Format {
	return Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, SampleWidth: cfg.SampleWidth}
}

// BlockAlign is the size of one sample across all channels.
func (f Format) BlockAlign() int { return f.Channels * f.SampleWidth }

func (f Format) BytesPerSecond() int { return f.SampleRate * f.BlockAlign() }

// FrameBytes returns the byte length of a frame of duration d, rounded down to
// whole samples and never smaller than one sample.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * f.BlockAlign()
}

// Duration returns the playback length of n bytes.
func (f Format) Duration(n int) time.Duration {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.BytesPerSecond()))
}

// Codec is the ffmpeg codec name, e.g. pcm_s16le.
func (f Format) Codec() string {
	if f.SampleWidth == 1 {
		return "pcm_u8"
	}
	return "pcm_" + f.Muxer()
}

// Muxer is the ffmpeg raw output format, e.g. s16le.
func (f Format) Muxer() string {
	if f.SampleWidth == 1 {
		return "u8"
	}
	return fmt.Sprintf("s%dle", f.SampleWidth*8)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Muxer())
}
