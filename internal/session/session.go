// Package session owns one listening session: the listening intent, the
// configuration, and the recognition and relay sub-sessions driven from a
// single event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/clock"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/recognition"
	"github.com/lexiqai/live-transcriber/internal/relay"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// ErrClosed is returned once the event loop has exited.
var ErrClosed = errors.New("session closed")

// Sink is the UI side of the session. It only observes.
type Sink interface {
	Transcript(d transcript.Delta)
	Lifecycle(change domain.StateChange)
	Error(err error)
	Level(level domain.SpeechLevel)
	Backend(msg channel.Inbound)
}

// Config configures a Session.
type Config struct {
	Initial     domain.Configuration
	Recognition recognition.Config
	Relay       relay.Config
}

// Deps are the external collaborators of a Session.
type Deps struct {
	Engine    recognition.Engine
	Capture   relay.Capture
	Channel   relay.Channel
	Sink      Sink
	Scheduler clock.Scheduler
	Logger    zerolog.Logger
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ID          string               `json:"id,omitempty"`
	Listening   bool                 `json:"listening"`
	Config      domain.Configuration `json:"config"`
	Recognition domain.State         `json:"recognition"`
	Relay       domain.State         `json:"relay"`
	NextSeq     int                  `json:"nextSeq"`
	Transcript  transcript.Snapshot  `json:"transcript"`
}

// Session is safe for concurrent use; every call is executed on the event
// loop started by Run.
type Session struct {
	loop   *loop
	closed chan struct{}
	sink   Sink
	base   zerolog.Logger
	logger zerolog.Logger

	// Owned by the loop.
	id        string
	listening bool
	cfg       domain.Configuration
	store     *transcript.Store
	rec       *transcript.Reconciler
	recog     *recognition.Controller
	relay     *relay.Session
	metrics   *observability.Metrics
}

// New wires a session. Nothing runs until Run is called.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial configuration: %w", err)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock.Real{}
	}

	s := &Session{
		loop:   newLoop(),
		closed: make(chan struct{}),
		sink:   deps.Sink,
		base:   deps.Logger.With().Str("component", string(domain.ComponentSession)).Logger(),
		cfg:    cfg.Initial,
		store:  transcript.NewStore(),
	}
	s.logger = s.base
	s.rec = transcript.NewReconciler(s.store)

	ev := events{s: s}
	s.recog = recognition.NewController(cfg.Recognition, recognition.Deps{
		Engine:     deps.Engine,
		Reconciler: s.rec,
		Sink:       ev,
		Intent:     ev,
		Scheduler:  deps.Scheduler,
		Post:       s.loop.post,
		Logger:     deps.Logger,
	})
	s.relay = relay.NewSession(cfg.Relay, relay.Deps{
		Channel:   deps.Channel,
		Capture:   deps.Capture,
		Sink:      ev,
		Scheduler: deps.Scheduler,
		Post:      s.loop.post,
		Logger:    deps.Logger,
	})
	return s, nil
}

// Run executes the event loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.closed)
	s.logger.Info().Msg("Session loop started")
	s.loop.run(ctx)
	s.logger.Info().Msg("Session loop stopped")
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Start sets the listening intent and starts both sub-sessions. The
// transcript is cleared. Starting while listening is a no-op.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, func() { s.start() })
}

// Stop clears the listening intent and stops both sub-sessions. Stopping
// while not listening is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, func() { s.stop("stop") })
}

// Reconfigure merges patch into the configuration and applies it. Invalid
// patches leave the configuration untouched.
func (s *Session) Reconfigure(ctx context.Context, patch map[string]any) (domain.Configuration, error) {
	var (
		next domain.Configuration
		err  error
	)
	if doErr := s.do(ctx, func() { next, err = s.reconfigure(patch) }); doErr != nil {
		return domain.Configuration{}, doErr
	}
	return next, err
}

// Snapshot returns the current session view.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		snap = Snapshot{
			ID:          s.id,
			Listening:   s.listening,
			Config:      s.cfg,
			Recognition: s.recog.State(),
			Relay:       s.relay.State(),
			NextSeq:     s.relay.Seq(),
			Transcript:  s.store.Snapshot(),
		}
	})
	return snap, err
}

// HandleInbound routes a backend message: audio errors go to the relay,
// everything else to the sink.
func (s *Session) HandleInbound(msg channel.Inbound) {
	s.loop.post(func() {
		observability.RecordBackendMessage("in", msg.Type)
		if msg.IsAudioError() {
			s.relay.BackendAudioError(errors.New(msg.Event.Detail()))
			return
		}
		s.sink.Backend(msg)
	})
}

// ChannelClosed reports that the backend channel is gone for good.
func (s *Session) ChannelClosed(err error) {
	s.loop.post(func() { s.relay.ChannelClosed(err) })
}

// ChannelReopened reports that the backend channel reconnected by itself.
func (s *Session) ChannelReopened() {
	s.loop.post(func() { s.relay.ChannelReopened() })
}

func (s *Session) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	s.loop.post(func() {
		f()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) start() {
	if s.listening {
		return
	}
	s.listening = true
	s.id = uuid.New().String()
	s.logger = observability.WithSessionID(s.base, s.id)
	s.metrics = observability.NewSessionMetrics(s.id)
	s.metrics.RecordSessionStart()
	s.recog.SetMetrics(s.metrics)

	// A fresh transcript per listening session; a previous run still
	// winding down is detached and cannot write into it.
	s.rec.Reset()
	s.recog.Reset()

	s.lifecycle(domain.StateIdle, domain.StateListening, "start")
	s.recog.Start()
	s.relay.Start(s.cfg)
}

func (s *Session) stop(reason string) {
	if !s.listening {
		return
	}
	s.listening = false
	s.recog.Stop()
	s.relay.Stop()
	if s.metrics != nil {
		s.metrics.RecordSessionEnd()
	}
	s.lifecycle(domain.StateListening, domain.StateIdle, reason)
}

func (s *Session) reconfigure(patch map[string]any) (domain.Configuration, error) {
	next, err := s.cfg.Merge(patch)
	if err != nil {
		return s.cfg, err
	}
	prev := s.cfg
	s.cfg = next
	s.logger.Info().Interface("config", next).Msg("Configuration updated")

	s.relay.Reconfigure(next)
	if next.Language != prev.Language {
		s.recog.Restart("reconfigure")
	}
	return next, nil
}

func (s *Session) lifecycle(from, to domain.State, reason string) {
	s.sink.Lifecycle(domain.StateChange{
		Component: domain.ComponentSession,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// events adapts the session to the sinks and intent the sub-sessions expect.
// Every method runs on the loop.
type events struct {
	s *Session
}

func (e events) Listening() bool  { return e.s.listening }
func (e events) Language() string { return e.s.cfg.Language }

func (e events) Transcript(d transcript.Delta) {
	e.s.sink.Transcript(d)
}

func (e events) Lifecycle(change domain.StateChange) {
	e.s.sink.Lifecycle(change)
}

func (e events) Level(level domain.SpeechLevel) {
	e.s.sink.Level(level)
}

// Error forwards err; a fatal error from either side ends the whole session
// through the same path as a user stop.
func (e events) Error(err error) {
	e.s.sink.Error(err)
	if domain.ClassOf(err) == domain.ClassFatal {
		e.s.logger.Error().Err(err).Str("code", domain.CodeOf(err)).Msg("Fatal error, stopping session")
		e.s.stop("fatal")
	}
}
