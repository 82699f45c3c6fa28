package tts

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of RemoteUnavailable failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Retrying wraps a Synthesizer with bounded exponential backoff.
// Only retryable failures are retried; everything else is surfaced on the first attempt.
type Retrying struct {
	next    Synthesizer
	policy  RetryPolicy
	logger  *slog.Logger
	onRetry func(req SynthRequest, err error)
}

func NewRetrying(next Synthesizer, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 100 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger.With(slog.String("component", "tts-retry")),
	}
}

// OnRetry registers a hook invoked before each retry, used for metrics.
func (r *Retrying) OnRetry(fn func(req SynthRequest, err error)) { r.onRetry = fn }

func (r *Retrying) Synthesize(ctx context.Context, req SynthRequest) (AudioBuffer, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.InitialBackoff
	expo.MaxInterval = r.policy.MaxBackoff

	attempt := 0
	operation := func() (AudioBuffer, error) {
		attempt++
		buf, err := r.next.Synthesize(ctx, req)
		if err == nil {
			return buf, nil
		}
		failure := Classify(ctx, "synthesize", err)
		if !failure.Retryable() {
			return AudioBuffer{}, backoff.Permanent(failure)
		}
		return AudioBuffer{}, failure
	}
	notify := func(err error, delay time.Duration) {
		r.logger.Debug("retrying synthesis",
			slog.Uint64("generation", req.Generation),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slogError(err))
		if r.onRetry != nil {
			r.onRetry(req, err)
		}
	}

	buf, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return AudioBuffer{}, Classify(ctx, "synthesize", err)
	}
	return buf, nil
}

// Warm forwards to the wrapped synthesizer when it supports warm-up.
func (r *Retrying) Warm(ctx context.Context) error {
	if w, ok := r.next.(Warmer); ok {
		return w.Warm(ctx)
	}
	return nil
}

func (r *Retrying) Close() error {
	if c, ok := r.next.(Closer); ok {
		return c.Close()
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
