package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// New builds the configured synthesizer wrapped with the retry policy.
func New(ctx context.Context, cfg config.SynthesisConfig, target config.TranscoderConfig, logger *slog.Logger) (*Retrying, error) {
	encoding := ParseEncoding(cfg.RequestEncoding)

	var base Synthesizer
	switch cfg.Mode {
	case "mock", "":
		base = NewMockSynth(target.SampleRate, target.Channels)
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SpeakingRate, encoding)
		if err != nil {
			return nil, err
		}
		base = synth
	case "google":
		tokens, err := NewCommandTokenSource(cfg.TokenCommand, time.Duration(cfg.TokenTTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		synth, err := NewGoogleSynth(ctx, GoogleOptions{
			Endpoint:     cfg.Endpoint,
			Tokens:       tokens,
			SSMLGender:   cfg.SSMLGender,
			SpeakingRate: cfg.SpeakingRate,
			Encoding:     encoding,
			SampleRate:   target.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		base = synth
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}

	return NewRetrying(base, RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
	}, logger), nil
}
