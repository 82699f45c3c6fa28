// Package service bridges bus sessions to incremental synthesis pipelines.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/incremental"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/transcode"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

// PipelineFactory builds an unstarted pipeline for one session. onTransition
// must be installed as the pipeline's transition hook.
type PipelineFactory func(sessionID string, onTransition func(incremental.Transition)) (*incremental.Pipeline, error)

// Options describe what the service reports alongside the audio.
type Options struct {
	Format transcode.Format
	Voice  string
	// IdleTimeout releases a session's pipeline after that long without
	// fragments. Zero keeps sessions until Close.
	IdleTimeout time.Duration
}

type Service struct {
	bus     *bus.Client
	factory PipelineFactory
	journal *eventstore.Store
	opts    Options

	mu       sync.Mutex
	sessions map[string]*session
	sub      *nats.Subscription

	records chan eventstore.Record
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writer  sync.WaitGroup
	closed  sync.Once
	logger  *slog.Logger
}

type session struct {
	id         string
	pipeline   *incremental.Pipeline
	lastActive time.Time // guarded by Service.mu
	// traces is only touched by the pipeline goroutine through the transition hook
	traces map[uint64]string
}

// NewService wires the bus to per-session pipelines. journal may be nil.
func NewService(parent context.Context, busClient *bus.Client, factory PipelineFactory, journal *eventstore.Store, opts Options, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		factory:  factory,
		journal:  journal,
		opts:     opts,
		sessions: make(map[string]*session),
		records:  make(chan eventstore.Record, 256),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	s.writer.Add(1)
	go s.writeJournal()

	sub, err := s.bus.SubscribeFragments(s.handleFragment)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	if s.opts.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.reapIdle()
	}
	return nil
}

func (s *Service) Close() {
	s.closed.Do(func() {
		s.cancel()
		s.mu.Lock()
		sub := s.sub
		sessions := s.sessions
		s.sessions = make(map[string]*session)
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Drain()
		}
		for _, sess := range sessions {
			sess.pipeline.Stop()
		}
		s.wg.Wait()
		close(s.records)
		s.writer.Wait()
	})
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// Sessions returns the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFragment(frag protocol.TextFragment) {
	if frag.SessionID == "" {
		s.logger.Warn("text fragment without session id")
		return
	}
	f := incremental.Fragment{
		Content:    frag.Content,
		Final:      frag.Final,
		SequenceID: frag.SequenceID,
	}
	var err error
	// a session released as idle between lookup and ingest is reopened once
	for attempt := 0; attempt < 2; attempt++ {
		var sess *session
		if sess, err = s.session(frag.SessionID); err != nil {
			s.logger.Warn("failed to open session", slog.String("session_id", frag.SessionID), slogError(err))
			return
		}
		if err = sess.pipeline.Ingest(s.ctx, f); !errors.Is(err, incremental.ErrStopped) {
			break
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to ingest fragment", slog.String("session_id", frag.SessionID), slogError(err))
	}
}

func (s *Service) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastActive = time.Now()
		return sess, nil
	}
	if s.ctx.Err() != nil {
		return nil, s.ctx.Err()
	}

	sess := &session{id: id, lastActive: time.Now(), traces: make(map[uint64]string)}
	p, err := s.factory(id, func(tr incremental.Transition) { s.observe(sess, tr) })
	if err != nil {
		return nil, err
	}
	if err := p.Start(s.ctx); err != nil {
		return nil, err
	}
	sess.pipeline = p
	s.sessions[id] = sess

	if s.journal != nil {
		if err := s.journal.AppendSession(s.ctx, id, s.opts.Voice); err != nil {
			s.logger.Warn("failed to record session", slog.String("session_id", id), slogError(err))
		}
	}

	s.wg.Add(1)
	go s.forward(sess)
	s.logger.Info("session opened", slog.String("session_id", id))
	return sess, nil
}

func (s *Service) forward(sess *session) {
	defer s.wg.Done()
	for ev := range sess.pipeline.Output() {
		var err error
		switch ev.Kind {
		case incremental.EventAdd:
			err = s.bus.PublishFrame(protocol.AudioFrame{
				SessionID:   sess.id,
				Generation:  ev.Generation,
				FrameIndex:  ev.Frame.Index,
				SampleRate:  s.opts.Format.SampleRate,
				Channels:    s.opts.Format.Channels,
				SampleWidth: s.opts.Format.SampleWidth,
				DurationMS:  float64(ev.Frame.Duration) / float64(time.Millisecond),
				PCM:         ev.Frame.PCM,
				Last:        ev.Frame.Last,
			})
		case incremental.EventRevoke:
			err = s.bus.PublishRevoke(protocol.Revoke{SessionID: sess.id, Generation: ev.Generation})
		}
		if err != nil {
			s.logger.Warn("failed to publish audio event", slog.String("session_id", sess.id), slog.String("kind", ev.Kind.String()), slogError(err))
		}
	}
}

func (s *Service) reapIdle() {
	defer s.wg.Done()
	ticker := time.NewTicker(max(s.opts.IdleTimeout/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.closeIdle(now)
		}
	}
}

// closeIdle stops sessions that have not seen a fragment for IdleTimeout.
func (s *Service) closeIdle(now time.Time) {
	s.mu.Lock()
	var idle []*session
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActive) >= s.opts.IdleTimeout {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.pipeline.Stop()
		s.logger.Info("session released after idle timeout", slog.String("session_id", sess.id))
	}
}

// observe runs on the session's pipeline goroutine and must not block.
func (s *Service) observe(sess *session, tr incremental.Transition) {
	trace, ok := sess.traces[tr.Generation]
	if !ok {
		trace = uuid.NewString()
		sess.traces[tr.Generation] = trace
	}

	rec := eventstore.Record{
		SessionID:  sess.id,
		TraceID:    trace,
		Generation: tr.Generation,
		Utterance:  tr.Utterance,
		State:      tr.To.String(),
		Text:       tr.Text,
		Frames:     tr.Frames,
		CreatedAt:  tr.At.UTC(),
	}
	if tr.Err != nil {
		rec.ErrorKind = tts.KindOf(tr.Err).String()
		rec.Error = tr.Err.Error()
	}
	if s.journal != nil {
		select {
		case s.records <- rec:
		default:
			s.logger.Warn("journal backlog full, dropping record", slog.String("session_id", sess.id), slog.Uint64("generation", tr.Generation))
		}
	}

	if !tr.To.Terminal() {
		return
	}
	delete(sess.traces, tr.Generation)
	err := s.bus.PublishStatus(protocol.Status{
		SessionID:  sess.id,
		Generation: tr.Generation,
		State:      rec.State,
		ErrorKind:  rec.ErrorKind,
		Error:      rec.Error,
		Frames:     tr.Frames,
		Timestamp:  rec.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to publish status", slog.String("session_id", sess.id), slogError(err))
	}
}

func (s *Service) writeJournal() {
	defer s.writer.Done()
	for rec := range s.records {
		if s.journal == nil {
			continue
		}
		// the service context may already be cancelled while draining
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.journal.AppendRecord(ctx, rec); err != nil {
			s.logger.Warn("failed to journal transition", slog.Uint64("generation", rec.Generation), slogError(err))
		}
		cancel()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
