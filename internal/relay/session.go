package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/clock"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

var (
	// ErrBackendAudio is raised when the backend rejects the audio stream.
	ErrBackendAudio = errors.New("backend rejected audio")
	// ErrChannelClosed is raised when the channel is gone for good.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelUnhealthy is raised when chunk sends keep failing.
	ErrChannelUnhealthy = errors.New("channel unhealthy")
)

// Sink receives what the relay reports outward.
type Sink interface {
	Lifecycle(change domain.StateChange)
	Error(err error)
	Level(level domain.SpeechLevel)
}

// Config holds the relay timing and failure thresholds.
type Config struct {
	DrainTimeout        time.Duration // bound on waiting for the last chunk on stop
	CloseGrace          time.Duration // delay before closing the channel after stop
	MaxSendFailures     int           // consecutive chunk send failures before giving up
	BreakerResetTimeout time.Duration
	RestartBackoff      time.Duration // first delay before restarting after a failure
	RestartMaxBackoff   time.Duration
}

// Deps are the collaborators of a relay Session.
type Deps struct {
	Channel   Channel
	Capture   Capture
	Sink      Sink
	Scheduler clock.Scheduler // defaults to clock.Real
	Post      func(func())    // defaults to a direct call
	Logger    zerolog.Logger
}

// Session owns capture and the outbound audio handshake. All methods must be
// called on the owning event loop.
type Session struct {
	cfg     Config
	channel Channel
	capture Capture
	sink    Sink
	post    func(func())
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	state   domain.State
	want    domain.Configuration // latest requested configuration
	applied domain.Configuration // configuration the current stream runs with
	seq     int
	gen     int    // bumped on every begin and teardown; stale callbacks compare against it
	epoch   uint64 // channel connection the current stream was announced on

	stream   Stream
	mimeType string
	capSub   *captureSub

	restartPending bool // begin again once draining finishes
	resetSeq       bool // the pending restart is a top-level start
	backoff        bool // the pending restart follows a failure
	restarts       int  // failure restarts since the last chunk went out

	drain      *clock.Task
	closeGrace *clock.Task
	relaunch   *clock.Task
}

// NewSession creates an idle relay session.
func NewSession(cfg Config, deps Deps) *Session {
	if deps.Scheduler == nil {
		deps.Scheduler = clock.Real{}
	}
	if deps.Post == nil {
		deps.Post = func(f func()) { f() }
	}
	if cfg.MaxSendFailures <= 0 {
		cfg.MaxSendFailures = 1
	}

	return &Session{
		cfg:        cfg,
		channel:    deps.Channel,
		capture:    deps.Capture,
		sink:       deps.Sink,
		post:       deps.Post,
		logger:     deps.Logger.With().Str("component", string(domain.ComponentRelay)).Logger(),
		breaker:    resilience.NewCircuitBreaker("backend_channel", cfg.MaxSendFailures, cfg.BreakerResetTimeout),
		state:      domain.StateIdle,
		drain:      clock.NewTask(deps.Scheduler, deps.Post),
		closeGrace: clock.NewTask(deps.Scheduler, deps.Post),
		relaunch:   clock.NewTask(deps.Scheduler, deps.Post),
	}
}

// State returns the current lifecycle state.
func (r *Session) State() domain.State {
	return r.state
}

// Seq returns the sequence number the next chunk will carry.
func (r *Session) Seq() int {
	return r.seq
}

// Start begins a fresh relay with cfg. The chunk sequence restarts at 0.
// Starting while active is a no-op; starting while draining takes effect
// once the drain completes.
func (r *Session) Start(cfg domain.Configuration) {
	r.want = cfg
	switch r.state {
	case domain.StateStarting, domain.StateListening:
		return
	case domain.StateStopping:
		r.restartPending = true
		r.resetSeq = true
		r.backoff = false
		return
	}
	r.fresh()
	r.begin()
}

// Stop ends chunk emission, waits for the capture to drain, sends audioStop
// and closes the channel after the grace delay. It is a no-op unless the
// relay is starting or listening, and it cancels a pending restart.
func (r *Session) Stop() {
	switch r.state {
	case domain.StateStopping:
		r.restartPending = false
		r.backoff = false
		return
	case domain.StateStarting:
		r.gen++
		r.relaunch.Cancel()
		r.setState(domain.StateIdle, "stop")
		r.scheduleClose()
		return
	case domain.StateListening:
		r.restartPending = false
		r.beginStop("stop")
	}
}

// Reconfigure applies cfg. A change of audio constraints while listening
// re-acquires capture through one stop and start; a language or mode change
// only sends configure.
func (r *Session) Reconfigure(cfg domain.Configuration) {
	r.want = cfg
	if r.state != domain.StateListening {
		return
	}

	if cfg.Audio != r.applied.Audio {
		r.logger.Info().Interface("audio", cfg.Audio).Msg("Audio constraints changed, restarting capture")
		r.restartPending = true
		r.resetSeq = false
		r.beginStop("reconfigure")
		return
	}

	if cfg.Language != r.applied.Language || cfg.Mode != r.applied.Mode {
		r.applied.Language = cfg.Language
		r.applied.Mode = cfg.Mode
		if err := r.send(TypeConfigure, configureMsg(cfg)); err != nil {
			r.report(domain.Classify(err, domain.ComponentRelay, domain.ClassRecoverable, "configure_failed"))
		}
	}
}

// BackendAudioError handles the backend rejecting the stream.
func (r *Session) BackendAudioError(err error) {
	if err == nil {
		err = ErrBackendAudio
	} else if !errors.Is(err, ErrBackendAudio) {
		err = fmt.Errorf("%w: %v", ErrBackendAudio, err)
	}
	err = domain.Classify(err, domain.ComponentRelay, domain.ClassFatal, "backend_audio_error")
	if r.state == domain.StateIdle || r.state == domain.StateError {
		r.report(err)
		return
	}
	r.fail(err)
}

// ChannelReopened handles the channel reconnecting by itself: a live stream
// is announced again on the new connection.
func (r *Session) ChannelReopened() {
	if r.state != domain.StateListening && r.state != domain.StateStopping {
		return
	}
	r.resume()
}

// ChannelClosed handles the channel going away for good.
func (r *Session) ChannelClosed(err error) {
	if r.state == domain.StateIdle {
		return
	}
	if err == nil {
		err = ErrChannelClosed
	} else if !errors.Is(err, ErrChannelClosed) {
		err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	r.fail(domain.Classify(err, domain.ComponentRelay, domain.ClassFatal, "channel_closed"))
}

// fresh resets what a top-level start begins anew.
func (r *Session) fresh() {
	r.seq = 0
	r.restarts = 0
	r.breaker.Reset()
	observability.UpdateCircuitBreakerState("backend_channel", int(r.breaker.GetState()))
}

func (r *Session) begin() {
	r.gen++
	gen := r.gen
	r.closeGrace.Cancel()
	r.relaunch.Cancel()
	r.setState(domain.StateStarting, "start")

	r.channel.Open(func(err error) {
		r.post(func() { r.onOpened(gen, err) })
	})
}

func (r *Session) onOpened(gen int, err error) {
	if gen != r.gen || r.state != domain.StateStarting {
		// The relay stopped while the channel was still dialing.
		if err == nil && (r.state == domain.StateIdle || r.state == domain.StateError) {
			r.logger.Debug().Msg("Channel opened after stop, closing")
			if err := r.channel.Close(); err != nil {
				r.logger.Debug().Err(err).Msg("Channel close failed")
			}
		}
		return
	}
	if err != nil {
		r.fail(domain.Classify(fmt.Errorf("%w: %v", ErrChannelClosed, err), domain.ComponentRelay, domain.ClassFatal, "channel_unavailable"))
		return
	}

	cfg := r.want
	if err := r.handshake(cfg); err != nil {
		r.fail(domain.Classify(err, domain.ComponentRelay, domain.ClassFatal, "handshake_failed"))
		return
	}

	sub := newCaptureSub(r)
	r.capSub = sub
	stream, err := r.capture.Acquire(cfg.Audio, sub)
	if err != nil {
		sub.revoke()
		r.capSub = nil
		r.fail(domain.Classify(err, domain.ComponentRelay, domain.ClassFatal, "capture_unavailable"))
		return
	}
	r.stream = stream
	r.mimeType = stream.MimeType()
	r.applied = cfg
	r.setState(domain.StateListening, "capture_started")
}

// handshake announces a stream with cfg on the current connection.
func (r *Session) handshake(cfg domain.Configuration) error {
	epoch := r.channel.Epoch()
	if err := r.send(TypeConfigure, configureMsg(cfg)); err != nil {
		return err
	}
	if err := r.send(TypeAudioStart, controlMsg(TypeAudioStart, cfg)); err != nil {
		return err
	}
	r.epoch = epoch
	return nil
}

// resume repeats the handshake when the connection the stream was announced
// on has been replaced. It reports whether chunks may follow.
func (r *Session) resume() bool {
	if r.channel.Epoch() == r.epoch {
		return true
	}
	r.logger.Info().Msg("Backend channel replaced, announcing the stream again")
	if err := r.handshake(r.applied); err != nil {
		r.restartAfter(err, "handshake_failed")
		return false
	}
	return true
}

func (r *Session) onChunk(data []byte) {
	if r.state != domain.StateListening && r.state != domain.StateStopping {
		return
	}
	if len(data) == 0 {
		return
	}
	if !r.resume() {
		return
	}

	msg := Chunk{Type: TypeAudio, Seq: r.seq, MimeType: r.mimeType, Data: data}
	r.seq++

	err := r.breaker.Call(func() error {
		return r.send(TypeAudio, msg)
	})
	observability.UpdateCircuitBreakerState("backend_channel", int(r.breaker.GetState()))
	observability.RecordChunk(err == nil, len(data))
	if err == nil {
		r.restarts = 0
		return
	}

	observability.IncrementCircuitBreakerFailures("backend_channel")
	if r.breaker.GetState() == resilience.StateOpen {
		r.fail(domain.Classify(fmt.Errorf("%w: %v", ErrChannelUnhealthy, err), domain.ComponentRelay, domain.ClassFatal, "channel_unhealthy"))
		return
	}
	r.restartAfter(err, "chunk_send_failed")
}

func (r *Session) onLevel(level domain.SpeechLevel) {
	if r.state == domain.StateListening {
		r.sink.Level(level)
	}
}

func (r *Session) onDrained() {
	if r.state == domain.StateStopping {
		r.finishStop()
	}
}

func (r *Session) onCaptureFailed(err error) {
	if r.state != domain.StateListening && r.state != domain.StateStopping {
		return
	}
	r.report(domain.Classify(err, domain.ComponentRelay, domain.ClassRecoverable, "capture_failed"))
	r.stream.Release()
	if r.state == domain.StateListening {
		r.restartPending = true
		r.resetSeq = false
		r.backoff = true
		r.setState(domain.StateStopping, "capture_failed")
	}
	r.finishStop()
}

// restartAfter reports a recoverable failure and, while listening, restarts the
// stream after a backoff. A stop already in progress just continues.
func (r *Session) restartAfter(err error, code string) {
	r.report(domain.Classify(err, domain.ComponentRelay, domain.ClassRecoverable, code))
	if r.state != domain.StateListening {
		return
	}
	r.restartPending = true
	r.resetSeq = false
	r.backoff = true
	r.beginStop(code)
}

func (r *Session) beginStop(reason string) {
	r.setState(domain.StateStopping, reason)
	r.stream.Stop()
	r.drain.Arm(r.cfg.DrainTimeout, func() {
		if r.state != domain.StateStopping {
			return
		}
		r.logger.Warn().Dur("timeout", r.cfg.DrainTimeout).Msg("Capture did not drain, releasing")
		r.stream.Release()
		r.finishStop()
	})
}

// finishStop runs once the last chunk is out: audioStop goes after it, then
// either the pending restart begins or the channel is closed after the grace.
func (r *Session) finishStop() {
	r.drain.Cancel()
	r.releaseCapture()

	if r.channel.Epoch() != r.epoch {
		r.logger.Debug().Msg("Stream was never announced on the current connection, skipping audioStop")
	} else if err := r.send(TypeAudioStop, controlMsg(TypeAudioStop, r.applied)); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send audioStop")
	}

	if r.restartPending {
		r.restartPending = false
		if r.resetSeq {
			r.resetSeq = false
			r.backoff = false
			r.fresh()
		}
		if r.backoff {
			r.backoff = false
			r.restartLater()
			return
		}
		r.begin()
		return
	}
	r.gen++
	r.setState(domain.StateIdle, "stopped")
	r.scheduleClose()
}

// restartLater begins again once the failure backoff has passed. The relay
// counts as starting meanwhile.
func (r *Session) restartLater() {
	delay := resilience.CalculateBackoff(r.restarts, r.cfg.RestartBackoff, r.cfg.RestartMaxBackoff, 2.0)
	r.restarts++
	if delay <= 0 {
		r.begin()
		return
	}

	r.gen++
	gen := r.gen
	r.setState(domain.StateStarting, "restart_backoff")
	r.logger.Info().Dur("delay", delay).Int("attempt", r.restarts).Msg("Restarting relay after failure")
	r.relaunch.Arm(delay, func() {
		if gen == r.gen && r.state == domain.StateStarting {
			r.begin()
		}
	})
}

func (r *Session) releaseCapture() {
	if r.capSub != nil {
		r.capSub.revoke()
		r.capSub = nil
	}
	r.stream = nil
}

// fail stops capture immediately without draining; nothing further is sent.
func (r *Session) fail(err error) {
	if r.state == domain.StateError {
		return
	}
	r.drain.Cancel()
	r.relaunch.Cancel()
	r.restartPending = false
	r.resetSeq = false
	r.backoff = false
	if r.stream != nil {
		r.stream.Release()
	}
	r.releaseCapture()
	r.gen++
	r.setState(domain.StateError, domain.CodeOf(err))
	r.scheduleClose()
	r.report(err)
}

func (r *Session) scheduleClose() {
	gen := r.gen
	r.closeGrace.Arm(r.cfg.CloseGrace, func() {
		if gen != r.gen {
			return
		}
		if err := r.channel.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("Channel close failed")
		}
	})
}

func (r *Session) send(kind string, msg any) error {
	observability.RecordBackendMessage("out", kind)
	return r.channel.Send(msg)
}

func (r *Session) report(err error) {
	class := domain.ClassOf(err)
	observability.RecordError(string(class), string(domain.ComponentRelay))
	r.logger.Warn().Err(err).Str("class", string(class)).Msg("Relay error")
	r.sink.Error(err)
}

func (r *Session) setState(to domain.State, reason string) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	observability.RecordStateChange(string(domain.ComponentRelay), string(from), string(to))
	r.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("Relay state changed")
	r.sink.Lifecycle(domain.StateChange{
		Component: domain.ComponentRelay,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
