package incremental

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	generations metric.Int64Counter
	frames      metric.Int64Counter
	revokes     metric.Int64Counter
	failures    metric.Int64Counter
	cacheHits   metric.Int64Counter
	firstFrame  metric.Float64Histogram
}

func (p *Pipeline) initMetrics() error {
	var err error
	m := &pipelineMetrics{}
	if m.generations, err = p.meter.Int64Counter("loqa.tts.generations",
		metric.WithDescription("Generations handed to synthesis")); err != nil {
		return err
	}
	if m.frames, err = p.meter.Int64Counter("loqa.tts.frames",
		metric.WithDescription("Audio frames delivered downstream")); err != nil {
		return err
	}
	if m.revokes, err = p.meter.Int64Counter("loqa.tts.revokes",
		metric.WithDescription("REVOKE events emitted")); err != nil {
		return err
	}
	if m.failures, err = p.meter.Int64Counter("loqa.tts.failures",
		metric.WithDescription("Generations that ended FAILED, by kind")); err != nil {
		return err
	}
	if m.cacheHits, err = p.meter.Int64Counter("loqa.tts.cache_hits",
		metric.WithDescription("Generations served from the audio cache")); err != nil {
		return err
	}
	if m.firstFrame, err = p.meter.Float64Histogram("loqa.tts.first_frame_latency",
		metric.WithDescription("Time from synthesis start to the first queued frame"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	p.metrics = m
	return nil
}

func (m *pipelineMetrics) generation() {
	if m != nil {
		m.generations.Add(context.Background(), 1)
	}
}

func (m *pipelineMetrics) frame() {
	if m != nil {
		m.frames.Add(context.Background(), 1)
	}
}

func (m *pipelineMetrics) revoke(reason string) {
	if m != nil {
		m.revokes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *pipelineMetrics) failure(kind string) {
	if m != nil {
		m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *pipelineMetrics) cacheHit() {
	if m != nil {
		m.cacheHits.Add(context.Background(), 1)
	}
}

func (m *pipelineMetrics) latency(d time.Duration) {
	if m != nil {
		m.firstFrame.Record(context.Background(), float64(d)/float64(time.Millisecond))
	}
}
