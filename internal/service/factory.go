package service

import (
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/incremental"
	"github.com/loqalabs/loqa-tts/internal/transcode"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// NewPipelineFactory returns a factory sharing synth, transcoder and cache
// across sessions. cache may be nil.
func NewPipelineFactory(cfg config.Config, synth tts.Synthesizer, transcoder transcode.Transcoder, cache incremental.Cache, logger *slog.Logger) (PipelineFactory, error) {
	mode, err := incremental.ParseMergeMode(cfg.Pipeline.MergeMode)
	if err != nil {
		return nil, err
	}
	base := incremental.Options{
		Language:         cfg.Synthesis.LanguageCode,
		Voice:            cfg.Synthesis.VoiceName,
		Format:           transcode.FormatFromConfig(cfg.Transcoder),
		FrameDuration:    cfg.Pipeline.FrameDuration(),
		MinInterval:      cfg.Pipeline.MinInterval(),
		MergeMode:        mode,
		SynthesisTimeout: cfg.Synthesis.Timeout(),
		OutputBuffer:     cfg.Pipeline.OutputBuffer,
		Cache:            cache,
	}
	return func(sessionID string, onTransition func(incremental.Transition)) (*incremental.Pipeline, error) {
		opts := base
		opts.OnTransition = onTransition
		return incremental.NewPipeline(synth, transcoder, opts, logger.With(slog.String("session_id", sessionID)))
	}, nil
}
