package recognition

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/clock"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// Sink receives what the controller reports outward.
type Sink interface {
	Transcript(d transcript.Delta)
	Lifecycle(change domain.StateChange)
	Error(err error)
}

// Intent is the session-owned listening intent. The controller reads it but
// never changes it.
type Intent interface {
	Listening() bool
	Language() string
}

// Config holds the controller timing.
type Config struct {
	NoResultTimeout    time.Duration // T1: restart when a run stays silent this long
	NoUpdateTimeout    time.Duration // T2: flush a pending tail after this long without results
	AckTimeout         time.Duration // bound on engine start/stop acknowledgement
	RestartMaxAttempts int           // consecutive failed launches before giving up
	RestartBackoff     time.Duration
	RestartMaxBackoff  time.Duration
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Engine     Engine
	Reconciler *transcript.Reconciler
	Sink       Sink
	Intent     Intent
	Scheduler  clock.Scheduler // defaults to clock.Real
	// Post delivers work to the owning event loop. Defaults to calling the
	// function directly, which is only correct when everything already runs
	// on one goroutine.
	Post   func(func())
	Logger zerolog.Logger
}

// Controller owns the recognition lifecycle. All methods must be called on
// the owning event loop.
type Controller struct {
	cfg     Config
	engine  Engine
	rec     *transcript.Reconciler
	sink    Sink
	intent  Intent
	post    func(func())
	metrics *observability.Metrics
	logger  zerolog.Logger

	state      domain.State
	run        int
	sub        *subscription
	started    bool // current run acknowledged its start
	stopSent   bool // Stop already requested for the current run
	restarting bool
	attempts   int // consecutive failed launches

	noResult *clock.Task
	noUpdate *clock.Task
	ack      *clock.Task
	relaunch *clock.Task
}

// NewController creates an idle controller.
func NewController(cfg Config, deps Deps) *Controller {
	if deps.Scheduler == nil {
		deps.Scheduler = clock.Real{}
	}
	if deps.Post == nil {
		deps.Post = func(f func()) { f() }
	}

	c := &Controller{
		cfg:     cfg,
		engine:  deps.Engine,
		rec:     deps.Reconciler,
		sink:    deps.Sink,
		intent:  deps.Intent,
		post:    deps.Post,
		logger:  deps.Logger.With().Str("component", string(domain.ComponentRecognition)).Logger(),
		state:   domain.StateIdle,
	}
	c.noResult = clock.NewTask(deps.Scheduler, deps.Post)
	c.noUpdate = clock.NewTask(deps.Scheduler, deps.Post)
	c.ack = clock.NewTask(deps.Scheduler, deps.Post)
	c.relaunch = clock.NewTask(deps.Scheduler, deps.Post)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() domain.State {
	return c.state
}

// Start launches the engine. It is a no-op unless the controller is Idle; a
// start requested while Stopping is picked up when the engine ends.
func (c *Controller) Start() {
	if c.state != domain.StateIdle {
		c.logger.Debug().Str("state", string(c.state)).Msg("Start ignored")
		return
	}
	c.attempts = 0
	c.launch(domain.StateStarting, "start")
}

// Stop ends the current run. Calling it while Idle, Stopping or in Error is
// a no-op.
func (c *Controller) Stop() {
	switch c.state {
	case domain.StateIdle, domain.StateStopping, domain.StateError:
		return
	}

	c.cancelWatchdogs()
	c.relaunch.Cancel()
	c.restarting = false

	if c.sub == nil {
		// Waiting out a relaunch backoff: there is no engine to stop.
		c.setState(domain.StateIdle, "stop")
		return
	}
	c.setState(domain.StateStopping, "stop")
	c.requestStop()
}

// Restart relaunches a listening engine, for example to apply a new
// language. It is a no-op in any other state.
func (c *Controller) Restart(reason string) {
	if c.state != domain.StateListening {
		return
	}
	c.forceRestart(reason)
}

// SetMetrics attaches the tracker of the current listening session.
func (c *Controller) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Reset leaves the Error state so the controller can be started again.
func (c *Controller) Reset() {
	if c.state != domain.StateError {
		return
	}
	c.attempts = 0
	c.setState(domain.StateIdle, "reset")
}

func (c *Controller) launch(to domain.State, reason string) {
	c.run++
	c.started = false
	c.stopSent = false
	c.sub = newSubscription(c, c.run)
	c.rec.BeginRun(c.run)
	c.setState(to, reason)

	if c.metrics != nil {
		c.metrics.RecordEngineLaunch()
	}
	c.logger.Debug().Int("run", c.run).Msg("Launching recognition engine")

	c.ack.Arm(c.cfg.AckTimeout, c.onAckTimeout)
	if err := c.engine.Start(c.intent.Language(), c.sub); err != nil {
		c.ack.Cancel()
		c.sub.revoke()
		c.sub = nil
		c.rec.EndRun()
		c.launchFailed(err)
	}
}

func (c *Controller) onStarted() {
	if c.started {
		return
	}
	c.started = true
	if !c.stopSent {
		c.ack.Cancel()
	}
	if c.metrics != nil {
		c.metrics.RecordEngineStarted(true)
	}

	switch c.state {
	case domain.StateStarting, domain.StateRestarting:
		c.attempts = 0
		c.restarting = false
		c.setState(domain.StateListening, "engine_started")
		c.noUpdate.Cancel()
		c.noResult.Arm(c.cfg.NoResultTimeout, c.onNoResult)
	case domain.StateStopping:
		// A stop arrived while the launch was in flight; it stays stopped.
		c.requestStop()
	}
}

func (c *Controller) onResult(batch transcript.Batch) {
	c.emit(c.rec.Apply(batch))

	if c.state != domain.StateListening || c.restarting {
		return
	}
	c.noResult.Arm(c.cfg.NoResultTimeout, c.onNoResult)
	if c.rec.Pending() {
		c.noUpdate.Arm(c.cfg.NoUpdateTimeout, c.onNoUpdate)
	} else {
		c.noUpdate.Cancel()
	}
}

func (c *Controller) onEnded(cause error) {
	c.finishRun(cause)
}

func (c *Controller) onFailed(err error) {
	classified := Classify(err)
	if domain.ClassOf(classified) == domain.ClassFatal {
		c.fail(classified)
		return
	}
	if !c.started {
		_ = c.engine.Abort()
		c.finishRun(classified)
		return
	}

	c.report(classified)
	switch {
	case c.state == domain.StateStopping:
	case !c.intent.Listening():
		c.Stop()
	default:
		c.forceRestart(domain.CodeOf(classified))
	}
}

func (c *Controller) onNoResult() {
	if c.state != domain.StateListening || c.restarting {
		return
	}
	observability.RecordWatchdog("no_result")
	c.logger.Info().Int("run", c.run).Msg("No results from engine, restarting")
	c.forceRestart("no_result")
}

func (c *Controller) onNoUpdate() {
	if c.state != domain.StateListening || c.restarting {
		return
	}
	observability.RecordWatchdog("no_update")
	c.logger.Info().Int("run", c.run).Msg("Interim text stalled, flushing")
	c.emit(c.rec.FlushStall())
	c.forceRestart("no_update")
}

func (c *Controller) onAckTimeout() {
	if c.sub == nil {
		return
	}
	observability.RecordWatchdog("engine_ack")
	c.logger.Warn().Int("run", c.run).Bool("started", c.started).Msg("Engine did not acknowledge in time")
	_ = c.engine.Abort()
	c.finishRun(ErrAckTimeout)
}

// forceRestart tears the current run down and relaunches once it has ended.
// While a restart is in flight further requests are ignored.
func (c *Controller) forceRestart(reason string) {
	if c.restarting {
		return
	}
	c.restarting = true
	observability.RecordRestart(reason)
	c.cancelWatchdogs()
	c.setState(domain.StateRestarting, reason)
	c.requestStop()
}

func (c *Controller) requestStop() {
	if c.sub == nil || c.stopSent {
		return
	}
	c.stopSent = true
	c.ack.Arm(c.cfg.AckTimeout, c.onAckTimeout)
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("Engine stop failed, aborting")
		_ = c.engine.Abort()
		c.finishRun(err)
	}
}

// finishRun closes the current run, flushing its tail into the transcript,
// and decides what follows from the state and the session intent.
func (c *Controller) finishRun(cause error) {
	if c.sub == nil {
		return
	}
	started := c.started
	c.cancelWatchdogs()
	c.ack.Cancel()
	c.sub.revoke()
	c.sub = nil
	c.emit(c.rec.EndRun())

	if c.state == domain.StateStopping || !c.intent.Listening() {
		c.restarting = false
		c.setState(domain.StateIdle, "engine_ended")
		if c.intent.Listening() {
			c.attempts = 0
			c.launch(domain.StateStarting, "start")
		}
		return
	}

	if !started {
		if cause == nil {
			cause = ErrEndedBeforeStart
		}
		c.launchFailed(cause)
		return
	}

	reason := "engine_ended"
	if cause != nil {
		reason = domain.CodeOf(Classify(cause))
	}
	if c.state != domain.StateRestarting {
		observability.RecordRestart(reason)
	}
	c.setState(domain.StateRestarting, reason)
	c.launch(domain.StateRestarting, "relaunch")
}

func (c *Controller) launchFailed(err error) {
	if c.metrics != nil {
		c.metrics.RecordEngineStarted(false)
	}
	err = Classify(err)
	if domain.ClassOf(err) == domain.ClassFatal {
		c.fail(err)
		return
	}
	c.report(err)

	if !c.intent.Listening() {
		c.restarting = false
		c.setState(domain.StateIdle, "launch_failed")
		return
	}

	c.attempts++
	if c.attempts > c.cfg.RestartMaxAttempts {
		c.fail(Classify(fmt.Errorf("%w after %d attempts: %v", ErrRestartsExhausted, c.attempts, err)))
		return
	}

	delay := resilience.CalculateBackoff(c.attempts-1, c.cfg.RestartBackoff, c.cfg.RestartMaxBackoff, 2.0)
	c.logger.Info().Int("attempt", c.attempts).Dur("backoff", delay).Msg("Relaunching recognition engine")
	c.setState(domain.StateRestarting, "launch_failed")
	c.relaunch.Arm(delay, func() {
		if c.state != domain.StateRestarting || c.sub != nil {
			return
		}
		if !c.intent.Listening() {
			c.setState(domain.StateIdle, "stop")
			return
		}
		c.launch(domain.StateRestarting, "relaunch")
	})
}

// fail moves to the terminal Error state. Only Reset leaves it.
func (c *Controller) fail(err error) {
	c.cancelWatchdogs()
	c.ack.Cancel()
	c.relaunch.Cancel()
	if c.sub != nil {
		c.sub.revoke()
		c.sub = nil
		_ = c.engine.Abort()
	}
	c.emit(c.rec.EndRun())
	c.restarting = false
	c.setState(domain.StateError, domain.CodeOf(err))
	c.report(err)
}

func (c *Controller) report(err error) {
	class := domain.ClassOf(err)
	observability.RecordError(string(class), string(domain.ComponentRecognition))
	if class == domain.ClassIgnorable {
		c.logger.Debug().Err(err).Msg("Ignoring engine error")
		return
	}
	c.logger.Warn().Err(err).Str("class", string(class)).Msg("Recognition error")
	c.sink.Error(err)
}

func (c *Controller) emit(d transcript.Delta) {
	if d.Empty() {
		return
	}
	finalized := 0
	for _, seg := range d.Appended {
		if seg.IsMarker() {
			observability.RecordMarker(string(seg.Marker))
			continue
		}
		finalized++
	}
	observability.RecordSegmentsFinalized(finalized)
	c.sink.Transcript(d)
}

func (c *Controller) cancelWatchdogs() {
	c.noResult.Cancel()
	c.noUpdate.Cancel()
}

func (c *Controller) setState(to domain.State, reason string) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	observability.RecordStateChange(string(domain.ComponentRecognition), string(from), string(to))
	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("Recognition state changed")
	c.sink.Lifecycle(domain.StateChange{
		Component: domain.ComponentRecognition,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
