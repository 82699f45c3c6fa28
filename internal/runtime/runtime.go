package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audiocache"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/incremental"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/service"
	"github.com/loqalabs/loqa-tts/internal/transcode"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	journal *eventstore.Store
	cache   *audiocache.Store
	synth   *tts.Retrying
	service *service.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind == "" || r.cfg.Telemetry.PrometheusBind == addr {
			mux.Handle("/metrics", metricsHandler)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.serve(r.metricsServer, "metrics")
		}
	}

	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("synthesis_mode", r.cfg.Synthesis.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
		return err
	}
	if r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if r.cache, err = audiocache.Open(ctx, r.cfg.Cache, r.logger); err != nil {
		return fmt.Errorf("open audio cache: %w", err)
	}

	if r.synth, err = tts.New(ctx, r.cfg.Synthesis, r.cfg.Transcoder, r.logger); err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}
	r.synth.OnRetry(retryCounter(r.logger))
	if err := r.synth.Warm(ctx); err != nil {
		// the first synthesis retries the token fetch
		r.logger.Warn("synthesizer warm-up failed", slog.String("error", err.Error()))
	}

	ffmpeg, err := transcode.NewFFmpeg(r.cfg.Transcoder.Command, r.logger)
	if err != nil {
		return err
	}
	format := transcode.FormatFromConfig(r.cfg.Transcoder)

	var cache incremental.Cache
	if r.cache.Enabled() {
		cache = r.cache.Scoped(audiocache.Params{
			Language:     r.cfg.Synthesis.LanguageCode,
			Voice:        r.cfg.Synthesis.VoiceName,
			SpeakingRate: r.cfg.Synthesis.SpeakingRate,
			Gender:       r.cfg.Synthesis.SSMLGender,
			Encoding:     r.cfg.Synthesis.RequestEncoding,
			Format:       format.String(),
		})
	}

	factory, err := service.NewPipelineFactory(r.cfg, r.synth, ffmpeg, cache, r.logger)
	if err != nil {
		return err
	}
	r.service = service.NewService(ctx, r.bus, factory, r.journal, service.Options{
		Format:      format,
		Voice:       r.cfg.Synthesis.VoiceName,
		IdleTimeout: r.cfg.Pipeline.SessionIdle(),
	}, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}
	return nil
}

func (r *Runtime) stopComponents() {
	if r.service != nil {
		r.service.Close()
	}
	if r.synth != nil {
		if err := r.synth.Close(); err != nil {
			r.logger.Warn("synthesizer close error", slog.String("error", err.Error()))
		}
	}
	if r.cache != nil {
		_ = r.cache.Close()
	}
	if r.journal != nil {
		_ = r.journal.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service != nil && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
