// Package incremental turns a stream of partial text into revocable audio frames.
package incremental

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/transcode"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var ErrStopped = errors.New("pipeline stopped")

// State is the lifecycle position of a generation.
type State int

const (
	StatePending State = iota + 1
	StateSynthesizing
	StateTranscoding
	StateEmitting
	StateCompleted
	StateRevoked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSynthesizing:
		return "synthesizing"
	case StateTranscoding:
		return "transcoding"
	case StateEmitting:
		return "emitting"
	case StateCompleted:
		return "completed"
	case StateRevoked:
		return "revoked"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRevoked || s == StateFailed
}

// Transition describes one generation state change.
type Transition struct {
	Generation uint64
	Utterance  uint64
	Text       string
	Final      bool
	From       State
	To         State
	Frames     int
	Err        error
	At         time.Time
}

// Cache stores transcoded PCM by text for a fixed voice and format.
type Cache interface {
	Get(ctx context.Context, text string) ([]byte, bool)
	Put(ctx context.Context, text string, pcm []byte)
}

type Options struct {
	Language         string
	Voice            string
	Format           transcode.Format
	FrameDuration    time.Duration
	MinInterval      time.Duration
	MergeMode        MergeMode
	SynthesisTimeout time.Duration
	OutputBuffer     int
	Cache            Cache
	// OnTransition is called from the pipeline goroutine and must not block.
	OnTransition func(Transition)
	Now          func() time.Time
}

// Pipeline owns one stream of fragments. A single goroutine owns all
// generation state; each launched generation runs in its own worker whose
// context is cancelled the moment the generation is superseded.
type Pipeline struct {
	opts       Options
	synth      tts.Synthesizer
	transcoder transcode.Transcoder
	logger     *slog.Logger
	meter      metric.Meter
	tracer     trace.Tracer
	metrics    *pipelineMetrics

	gens    *Generations
	acc     *Accumulator
	trigger *Trigger
	emitter *Emitter

	fragments chan Fragment
	results   chan result
	out       chan Event
	loopDone  chan struct{}

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// owned by run
	tasks   map[uint64]*task
	queue   []Event
	pending *Utterance
	timer   *time.Timer
	timerC  <-chan time.Time
}

type task struct {
	utt       Utterance
	state     State
	cancel    context.CancelFunc
	begun     time.Time
	queued    int
	delivered int
	withdrawn bool
}

type result struct {
	gen    uint64
	state  State
	cached bool
	event  *Event
	err    error
	done   bool
}

func NewPipeline(synth tts.Synthesizer, transcoder transcode.Transcoder, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if synth == nil || transcoder == nil {
		return nil, errors.New("pipeline requires a synthesizer and a transcoder")
	}
	if opts.Format.BlockAlign() <= 0 || opts.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid output format %s", opts.Format)
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		opts:       opts,
		synth:      synth,
		transcoder: transcoder,
		logger:     logger.With(slog.String("component", "tts-pipeline")),
		meter:      otel.Meter("github.com/loqalabs/loqa-tts/incremental"),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tts/incremental"),
		gens:       &Generations{},
		trigger:    NewTrigger(opts.MinInterval, opts.Now),
		emitter:    NewEmitter(opts.Format, opts.FrameDuration),
		fragments:  make(chan Fragment, 64),
		results:    make(chan result),
		out:        make(chan Event, opts.OutputBuffer),
		loopDone:   make(chan struct{}),
		tasks:      make(map[uint64]*task),
	}
	p.acc = NewAccumulator(p.gens, opts.MergeMode, p.supersede)
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

// Start launches the pipeline goroutine. It stops when ctx is done or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.run()
	return nil
}

// Stop cancels every in-flight generation, waits for workers to release their
// subprocesses and closes the event channel.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.started = true
		p.mu.Unlock()
		if !started {
			close(p.loopDone)
			close(p.out)
			return
		}
		p.cancel()
		<-p.loopDone
		p.wg.Wait()
		close(p.out)
	})
}

// Ingest queues a fragment. It only blocks while the intake buffer is full.
func (p *Pipeline) Ingest(ctx context.Context, f Fragment) error {
	select {
	case <-p.loopDone:
		return ErrStopped
	default:
	}
	select {
	case p.fragments <- f:
		return nil
	case <-p.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed after Stop.
func (p *Pipeline) Events() <-chan Event { return p.out }

// Output yields events until the pipeline stops.
func (p *Pipeline) Output() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for ev := range p.out {
			if !yield(ev) {
				return
			}
		}
	}
}

// CurrentGeneration returns the newest generation minted.
func (p *Pipeline) CurrentGeneration() uint64 { return p.gens.Current() }

func (p *Pipeline) run() {
	defer close(p.loopDone)
	for {
		var out chan<- Event
		var head Event
		if len(p.queue) > 0 {
			out, head = p.out, p.queue[0]
		}
		select {
		case <-p.ctx.Done():
			p.shutdown()
			return
		case f := <-p.fragments:
			p.handleFragment(f)
		case r := <-p.results:
			p.handleResult(r)
		case <-p.timerC:
			p.timerC = nil
			p.flushPending()
		case out <- head:
			p.queue[0] = Event{}
			p.queue = p.queue[1:]
			switch head.Kind {
			case EventAdd:
				if t := p.tasks[head.Generation]; t != nil {
					t.delivered++
				}
				p.metrics.frame()
			case EventRevoke:
				delete(p.tasks, head.Generation)
			}
		}
	}
}

func (p *Pipeline) handleFragment(f Fragment) {
	u, advanced := p.acc.Ingest(f)
	if !advanced {
		p.logger.Debug("fragment did not change text", slog.Int64("sequence_id", f.SequenceID), slog.Uint64("generation", u.Generation))
		return
	}
	t := &task{utt: u}
	p.tasks[u.Generation] = t
	p.transition(t, StatePending, nil)
	p.schedule(u)
}

func (p *Pipeline) schedule(u Utterance) {
	switch d, wait := p.trigger.Evaluate(u); d {
	case SynthesizeNow:
		p.pending = nil
		p.launch(u)
	case Defer:
		p.pending = &u
		if p.timerC == nil {
			p.timer = time.NewTimer(wait)
			p.timerC = p.timer.C
		}
	default:
		if t := p.tasks[u.Generation]; t != nil && t.state == StatePending {
			// nothing to say
			p.transition(t, StateCompleted, nil)
		}
	}
}

func (p *Pipeline) flushPending() {
	if p.pending == nil {
		return
	}
	u := *p.pending
	p.pending = nil
	if p.gens.IsStale(u.Generation) {
		return
	}
	p.schedule(u)
}

func (p *Pipeline) launch(u Utterance) {
	t := p.tasks[u.Generation]
	if t == nil || t.state != StatePending {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	t.cancel = cancel
	t.begun = p.opts.Now()
	p.transition(t, StateSynthesizing, nil)
	p.metrics.generation()

	p.wg.Add(1)
	go p.work(ctx, u)
}

// supersede runs synchronously inside Accumulator.Ingest when next replaces stale.
func (p *Pipeline) supersede(stale, next Utterance) {
	for gen, t := range p.tasks {
		switch {
		case !t.state.Terminal():
			p.stopTask(t)
			p.transition(t, StateRevoked, nil)
			p.withdraw(t, "superseded")
		case t.state == StateCompleted && t.utt.ID == next.ID:
			p.withdraw(t, "revised")
		}
		if t.withdrawn {
			// dropped once its REVOKE is handed downstream
			continue
		}
		delete(p.tasks, gen)
	}
	p.logger.Debug("generation superseded", slog.Uint64("stale", stale.Generation), slog.Uint64("next", next.Generation))
}

func (p *Pipeline) handleResult(r result) {
	t := p.tasks[r.gen]
	if t == nil || t.state.Terminal() {
		return
	}
	switch {
	case r.err != nil && tts.KindOf(r.err) == tts.KindCancelled:
		p.stopTask(t)
		p.transition(t, StateRevoked, nil)
		p.withdraw(t, "cancelled")
	case r.err != nil:
		p.fail(t, r.err)
	case r.event != nil:
		if t.queued == 0 {
			p.metrics.latency(p.opts.Now().Sub(t.begun))
		}
		t.queued++
		p.queue = append(p.queue, *r.event)
	case r.done:
		p.transition(t, StateCompleted, nil)
		p.stopTask(t)
	default:
		if r.cached {
			p.metrics.cacheHit()
		}
		p.transition(t, r.state, nil)
	}
}

func (p *Pipeline) fail(t *task, err error) {
	kind := tts.KindOf(err)
	p.transition(t, StateFailed, err)
	p.stopTask(t)
	p.metrics.failure(kind.String())
	p.logger.Warn("generation failed",
		slog.Uint64("generation", t.utt.Generation),
		slog.String("kind", kind.String()),
		slogError(err),
	)
	p.withdraw(t, "failed")
}

// withdraw drops frames of t that were never handed downstream and emits
// REVOKE once if any were.
func (p *Pipeline) withdraw(t *task, reason string) {
	gen := t.utt.Generation
	kept := p.queue[:0]
	for _, ev := range p.queue {
		if ev.Kind == EventAdd && ev.Generation == gen {
			continue
		}
		kept = append(kept, ev)
	}
	clear(p.queue[len(kept):])
	p.queue = kept

	if t.delivered > 0 && !t.withdrawn {
		t.withdrawn = true
		p.queue = append(p.queue, Revoke(gen))
		p.metrics.revoke(reason)
		p.logger.Debug("revoking generation", slog.Uint64("generation", gen), slog.Int("frames", t.delivered), slog.String("reason", reason))
	}
}

func (p *Pipeline) stopTask(t *task) {
	if t.cancel != nil {
		t.cancel()
	}
}

func (p *Pipeline) transition(t *task, to State, err error) {
	from := t.state
	t.state = to
	if p.opts.OnTransition == nil {
		return
	}
	p.opts.OnTransition(Transition{
		Generation: t.utt.Generation,
		Utterance:  t.utt.ID,
		Text:       t.utt.Text,
		Final:      t.utt.Final,
		From:       from,
		To:         to,
		Frames:     t.queued,
		Err:        err,
		At:         p.opts.Now(),
	})
}

func (p *Pipeline) shutdown() {
	if p.timer != nil {
		p.timer.Stop()
	}
	for _, t := range p.tasks {
		switch {
		case !t.state.Terminal():
			p.stopTask(t)
			p.transition(t, StateRevoked, nil)
			p.withdraw(t, "stopped")
		case t.state == StateCompleted && t.delivered < t.queued:
			// the tail never left the queue
			p.withdraw(t, "stopped")
		}
	}
	for _, ev := range p.queue {
		if ev.Kind == EventRevoke {
			p.flushRevoke(ev)
		}
	}
	p.queue = nil
}

// flushRevoke hands ev downstream without waiting for the consumer. When out
// is full, frames of the revoked generation still buffered there have not been
// consumed yet; they are taken back and the REVOKE is only sent if some frame
// got through.
func (p *Pipeline) flushRevoke(ev Event) {
	select {
	case p.out <- ev:
		return
	default:
	}

	var kept []Event
	reclaimed := 0
	for drained := false; !drained; {
		select {
		case buffered := <-p.out:
			if buffered.Kind == EventAdd && buffered.Generation == ev.Generation {
				reclaimed++
				continue
			}
			kept = append(kept, buffered)
		default:
			drained = true
		}
	}
	// run is the only sender, so everything taken out fits back in
	for _, k := range kept {
		p.out <- k
	}

	if t := p.tasks[ev.Generation]; t != nil {
		t.delivered -= reclaimed
		if t.delivered <= 0 {
			return
		}
	}
	select {
	case p.out <- ev:
	default:
		p.logger.Warn("output full, dropping revoke", slog.Uint64("generation", ev.Generation))
	}
}

func (p *Pipeline) work(ctx context.Context, u Utterance) {
	defer p.wg.Done()
	ctx, span := p.tracer.Start(ctx, "tts.generation", trace.WithAttributes(
		attribute.Int64("tts.generation", int64(u.Generation)),
		attribute.Int64("tts.utterance", int64(u.ID)),
		attribute.Int("tts.text_length", len(u.Text)),
	))
	defer span.End()

	if err := p.produce(ctx, u); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, tts.KindOf(err).String())
		p.report(ctx, result{gen: u.Generation, err: err})
		return
	}
	p.report(ctx, result{gen: u.Generation, done: true})
}

func (p *Pipeline) produce(ctx context.Context, u Utterance) error {
	stream, cached, err := p.open(ctx, u)
	if err != nil {
		return err
	}
	defer stream.Close()
	if !p.report(ctx, result{gen: u.Generation, state: StateEmitting, cached: cached}) {
		return tts.Fail(tts.KindCancelled, "emit", ctx.Err())
	}

	var src io.Reader = stream
	var recorded *bytes.Buffer
	if p.opts.Cache != nil && !cached {
		recorded = new(bytes.Buffer)
		src = io.TeeReader(stream, recorded)
	}
	for ev, err := range p.emitter.Emit(src, u.Generation) {
		if err != nil {
			return err
		}
		if !p.report(ctx, result{gen: u.Generation, event: &ev}) {
			return tts.Fail(tts.KindCancelled, "emit", ctx.Err())
		}
	}
	if recorded != nil {
		p.opts.Cache.Put(ctx, u.Text, recorded.Bytes())
	}
	return nil
}

func (p *Pipeline) open(ctx context.Context, u Utterance) (transcode.PCMStream, bool, error) {
	if p.opts.Cache != nil {
		if pcm, ok := p.opts.Cache.Get(ctx, u.Text); ok && len(pcm) > 0 {
			return transcode.NewMemoryStream(pcm), true, nil
		}
	}

	synthCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.opts.SynthesisTimeout > 0 {
		synthCtx, cancel = context.WithTimeout(ctx, p.opts.SynthesisTimeout)
	}
	buf, err := p.synth.Synthesize(synthCtx, tts.SynthRequest{
		Text:       u.Text,
		Language:   p.opts.Language,
		Voice:      p.opts.Voice,
		Generation: u.Generation,
	})
	cancel()
	if err != nil {
		return nil, false, tts.Classify(ctx, "synthesize", err)
	}
	if !p.report(ctx, result{gen: u.Generation, state: StateTranscoding}) {
		return nil, false, tts.Fail(tts.KindCancelled, "transcode", ctx.Err())
	}

	stream, err := p.transcoder.Transcode(ctx, buf, p.opts.Format)
	if err != nil {
		if tts.KindOf(err) == 0 {
			err = tts.Fail(tts.KindTranscode, "transcode", err)
		}
		return nil, false, err
	}
	return stream, false, nil
}

// report hands r to the pipeline goroutine. It returns false once the
// generation has been cancelled.
func (p *Pipeline) report(ctx context.Context, r result) bool {
	select {
	case p.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
