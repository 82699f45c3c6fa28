package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// firstFrameBuckets spans a cache hit (a few ms) up to a slow remote call
// followed by transcoding (seconds).
var firstFrameBuckets = []float64{5, 10, 25, 50, 100, 200, 350, 500, 750, 1000, 1500, 2500, 5000, 10000}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := stageResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}, metricHandler, nil
}

// stageResource describes this synthesis stage: which voice it speaks with and
// in what output format, so dashboards can split by them.
func stageResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.tts.mode", cfg.Synthesis.Mode),
			attribute.String("loqa.tts.language", cfg.Synthesis.LanguageCode),
			attribute.String("loqa.tts.voice", cfg.Synthesis.VoiceName),
			attribute.Int("loqa.tts.sample_rate", cfg.Transcoder.SampleRate),
			attribute.Int("loqa.tts.frame_ms", cfg.Pipeline.FrameDurationMS),
		),
	)
}

// initTracer exports one span per generation, sampled by trace_sampling.
func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		// one line per generation span
		exporter, err = stdouttrace.New()
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	}
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampling))),
	), nil
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(stageViews()...),
	}
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.Handler()
}

func stageViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loqa.tts.first_frame_latency"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: firstFrameBuckets}},
		),
	}
}

// retryCounter counts synthesis retries by failure kind.
func retryCounter(logger *slog.Logger) func(tts.SynthRequest, error) {
	counter, err := otel.Meter("github.com/loqalabs/loqa-tts/runtime").Int64Counter("loqa.tts.synth_retries",
		metric.WithDescription("Synthesis attempts retried after a transient failure"))
	if err != nil {
		logger.Warn("failed to initialize retry counter", slog.String("error", err.Error()))
		return func(tts.SynthRequest, error) {}
	}
	return func(_ tts.SynthRequest, err error) {
		counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", tts.KindOf(err).String())))
	}
}
