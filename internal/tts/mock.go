package tts

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// mockSynth renders a short tone per character as a LINEAR16 WAV body.
type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioBuffer, error) {
	select {
	case <-ctx.Done():
		return AudioBuffer{}, Fail(KindCancelled, "mock", ctx.Err())
	case <-time.After(m.latency):
	}
	if req.Text == "" {
		return AudioBuffer{}, Fail(KindInvalidRequest, "mock", fmt.Errorf("text cannot be empty"))
	}

	perChar := m.sampleRate / 50 // 20ms of audio per character
	samples := make([]int, 0, len(req.Text)*perChar*m.channels)
	for i := 0; i < len(req.Text)*perChar; i++ {
		v := int(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			samples = append(samples, v)
		}
	}
	data, err := EncodeWAV(samples, m.sampleRate, m.channels, 16)
	if err != nil {
		return AudioBuffer{}, Fail(KindRemoteUnavailable, "mock", err)
	}
	return AudioBuffer{Data: data, Encoding: EncodingLinear16}, nil
}

// EncodeWAV renders interleaved integer samples as a WAV file body.
func EncodeWAV(samples []int, sampleRate, channels, bitDepth int) ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(file, sampleRate, bitDepth, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
