package recognition

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/clock"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

type fakeEngine struct {
	langs     []string
	listeners []Listener
	stops     int
	aborts    int
	startErr  error
}

func (e *fakeEngine) Start(lang string, l Listener) error {
	e.langs = append(e.langs, lang)
	if e.startErr != nil {
		return e.startErr
	}
	e.listeners = append(e.listeners, l)
	return nil
}

func (e *fakeEngine) Stop() error {
	e.stops++
	return nil
}

func (e *fakeEngine) Abort() error {
	e.aborts++
	return nil
}

func (e *fakeEngine) run(i int) Listener {
	return e.listeners[i]
}

type fakeSink struct {
	deltas  []transcript.Delta
	changes []domain.StateChange
	errs    []error
}

func (s *fakeSink) Transcript(d transcript.Delta)       { s.deltas = append(s.deltas, d) }
func (s *fakeSink) Lifecycle(change domain.StateChange) { s.changes = append(s.changes, change) }
func (s *fakeSink) Error(err error)                     { s.errs = append(s.errs, err) }

func (s *fakeSink) states() []domain.State {
	out := make([]domain.State, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.To)
	}
	return out
}

type fakeIntent struct {
	listening bool
	lang      string
}

func (i *fakeIntent) Listening() bool  { return i.listening }
func (i *fakeIntent) Language() string { return i.lang }

type harness struct {
	c      *Controller
	engine *fakeEngine
	sink   *fakeSink
	intent *fakeIntent
	clock  *clock.Fake
	store  *transcript.Store
}

func newHarness() *harness {
	h := &harness{
		engine: &fakeEngine{},
		sink:   &fakeSink{},
		intent: &fakeIntent{lang: "en-US"},
		clock:  clock.NewFake(),
		store:  transcript.NewStore(),
	}
	h.c = NewController(Config{
		NoResultTimeout:    5 * time.Second,
		NoUpdateTimeout:    2 * time.Second,
		AckTimeout:         10 * time.Second,
		RestartMaxAttempts: 2,
		RestartBackoff:     100 * time.Millisecond,
		RestartMaxBackoff:  time.Second,
	}, Deps{
		Engine:     h.engine,
		Reconciler: transcript.NewReconciler(h.store),
		Sink:       h.sink,
		Intent:     h.intent,
		Scheduler:  h.clock,
		Logger:     zerolog.Nop(),
	})
	return h
}

// listen starts the controller and acknowledges the first run.
func (h *harness) listen(t *testing.T) Listener {
	t.Helper()
	h.intent.listening = true
	h.c.Start()
	if len(h.engine.listeners) == 0 {
		t.Fatal("Expected engine to be started")
	}
	l := h.engine.listeners[len(h.engine.listeners)-1]
	l.Started()
	if h.c.State() != domain.StateListening {
		t.Fatalf("Expected Listening, got %s", h.c.State())
	}
	return l
}

func (h *harness) stop() {
	h.intent.listening = false
	h.c.Stop()
}

func finalR(idx int, text string) transcript.Result {
	return transcript.Result{Index: idx, Text: text, Confidence: 0.9, Final: true}
}

func interimR(idx int, text string) transcript.Result {
	return transcript.Result{Index: idx, Text: text, Confidence: 0.4}
}

func equalStates(a, b []domain.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestController_StartAndStop(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	if h.engine.langs[0] != "en-US" {
		t.Errorf("Expected engine language en-US, got %s", h.engine.langs[0])
	}

	h.stop()
	if h.c.State() != domain.StateStopping {
		t.Fatalf("Expected Stopping, got %s", h.c.State())
	}
	l.Ended()

	want := []domain.State{domain.StateStarting, domain.StateListening, domain.StateStopping, domain.StateIdle}
	if got := h.sink.states(); !equalStates(got, want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("Expected no pending timers when idle, got %d", h.clock.Pending())
	}
}

func TestController_IdempotentStartStop(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	h.c.Start()
	if len(h.engine.langs) != 1 {
		t.Errorf("Expected start while Listening to be a no-op, got %d engine starts", len(h.engine.langs))
	}

	h.stop()
	h.stop()
	if h.engine.stops != 1 {
		t.Errorf("Expected 1 engine stop, got %d", h.engine.stops)
	}
	events := len(h.sink.changes)

	l.Ended()
	h.stop()
	if len(h.sink.changes) != events+1 {
		t.Errorf("Expected only the Idle transition after ended, got %v", h.sink.states())
	}
}

func TestController_RestartPreservesHistory(t *testing.T) {
	h := newHarness()
	first := h.listen(t)

	first.Result([]transcript.Result{finalR(0, "hello"), interimR(1, "wor")})
	first.Ended()

	if h.c.State() != domain.StateRestarting {
		t.Fatalf("Expected Restarting after unexpected end, got %s", h.c.State())
	}
	if len(h.engine.listeners) != 2 {
		t.Fatalf("Expected relaunch, got %d runs", len(h.engine.listeners))
	}
	before := h.store.Text()

	second := h.engine.run(1)
	second.Started()
	second.Result([]transcript.Result{finalR(0, "again")})

	// Late events of the torn-down run are dropped.
	first.Result([]transcript.Result{finalR(5, "ghost")})
	first.Ended()

	if h.c.State() != domain.StateListening {
		t.Errorf("Expected Listening after relaunch, got %s", h.c.State())
	}
	if before != "hello wor" {
		t.Errorf("Expected flushed history %q, got %q", "hello wor", before)
	}
	if got := h.store.Text(); got != "hello wor\nagain" {
		t.Errorf("Expected history preserved with new run appended, got %q", got)
	}
}

func TestController_NoUpdateWatchdogFlushesStall(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	l.Result([]transcript.Result{interimR(0, "hello")})
	h.clock.Advance(1999 * time.Millisecond)
	if len(h.store.Finals()) != 0 {
		t.Fatal("Expected nothing finalized before the quiet interval")
	}

	h.clock.Advance(time.Millisecond)

	finals := h.store.Finals()
	if len(finals) != 2 || finals[0].Text != "hello" || finals[1].Marker != transcript.MarkerStall {
		t.Fatalf("Expected [hello |stall], got %+v", finals)
	}
	if len(h.store.Tail()) != 0 {
		t.Errorf("Expected empty tail, got %v", h.store.Tail())
	}
	if h.c.State() != domain.StateRestarting || h.engine.stops != 1 {
		t.Errorf("Expected forced restart, got state %s with %d stops", h.c.State(), h.engine.stops)
	}
}

func TestController_WatchdogsNeverDoubleRestart(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	l.Result([]transcript.Result{interimR(0, "pending")})
	h.clock.Advance(6 * time.Second)

	if h.engine.stops != 1 {
		t.Errorf("Expected exactly 1 forced stop, got %d", h.engine.stops)
	}

	restarts := 0
	for _, c := range h.sink.changes {
		if c.To == domain.StateRestarting {
			restarts++
		}
	}
	if restarts != 1 {
		t.Errorf("Expected 1 restart transition, got %d", restarts)
	}

	l.Ended()
	if len(h.engine.listeners) != 2 {
		t.Errorf("Expected a single relaunch, got %d runs", len(h.engine.listeners))
	}
}

func TestController_NoResultWatchdog(t *testing.T) {
	h := newHarness()
	h.listen(t)

	h.clock.Advance(5 * time.Second)

	if h.c.State() != domain.StateRestarting {
		t.Errorf("Expected restart after silent run, got %s", h.c.State())
	}
	if h.engine.stops != 1 {
		t.Errorf("Expected engine stop, got %d", h.engine.stops)
	}
}

func TestController_ResultsRearmWatchdogs(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	for i := 0; i < 4; i++ {
		h.clock.Advance(1500 * time.Millisecond)
		l.Result([]transcript.Result{interimR(0, "still talking")})
	}

	if h.c.State() != domain.StateListening {
		t.Errorf("Expected Listening while results keep arriving, got %s", h.c.State())
	}
}

func TestController_StopDuringRestartStaysStopped(t *testing.T) {
	h := newHarness()
	first := h.listen(t)

	first.Ended()
	second := h.engine.run(1)

	h.stop()
	second.Started()

	if h.c.State() != domain.StateStopping {
		t.Fatalf("Expected Stopping after late start, got %s", h.c.State())
	}
	second.Ended()

	states := h.sink.states()
	last := states[len(states)-1]
	if last != domain.StateIdle {
		t.Errorf("Expected Idle, got %s", last)
	}
	for _, s := range states[len(states)-3:] {
		if s == domain.StateListening {
			t.Errorf("Expected no Listening after stop, got %v", states)
		}
	}
}

func TestController_StartWhileStoppingRelaunches(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	h.stop()
	h.intent.listening = true
	h.c.Start()
	if len(h.engine.langs) != 1 {
		t.Fatalf("Expected no launch while Stopping, got %d", len(h.engine.langs))
	}

	l.Ended()
	if h.c.State() != domain.StateStarting || len(h.engine.langs) != 2 {
		t.Errorf("Expected fresh start after end, got %s with %d launches", h.c.State(), len(h.engine.langs))
	}
}

func TestController_IgnorableErrorRestartsSilently(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	l.Failed(ErrNoSpeech)

	if len(h.sink.errs) != 0 {
		t.Errorf("Expected no-speech to stay silent, got %v", h.sink.errs)
	}
	if h.c.State() != domain.StateRestarting {
		t.Errorf("Expected Restarting, got %s", h.c.State())
	}
}

func TestController_RecoverableErrorIsReported(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	l.Failed(errors.New("network hiccup"))

	if len(h.sink.errs) != 1 {
		t.Fatalf("Expected 1 reported error, got %d", len(h.sink.errs))
	}
	if domain.ClassOf(h.sink.errs[0]) != domain.ClassRecoverable {
		t.Errorf("Expected recoverable class, got %s", domain.ClassOf(h.sink.errs[0]))
	}
	if h.c.State() != domain.StateRestarting {
		t.Errorf("Expected Restarting, got %s", h.c.State())
	}
}

func TestController_FatalErrorEntersError(t *testing.T) {
	h := newHarness()
	l := h.listen(t)
	l.Result([]transcript.Result{interimR(0, "partial")})

	l.Failed(ErrNotAllowed)

	if h.c.State() != domain.StateError {
		t.Fatalf("Expected Error, got %s", h.c.State())
	}
	if h.engine.aborts != 1 {
		t.Errorf("Expected engine abort, got %d", h.engine.aborts)
	}
	if len(h.sink.errs) != 1 || domain.ClassOf(h.sink.errs[0]) != domain.ClassFatal {
		t.Errorf("Expected one fatal error, got %v", h.sink.errs)
	}
	if h.store.Text() != "partial" {
		t.Errorf("Expected pending text kept, got %q", h.store.Text())
	}

	h.c.Start()
	if len(h.engine.langs) != 1 {
		t.Error("Expected Start to be ignored in Error")
	}

	h.c.Reset()
	h.c.Start()
	if h.c.State() != domain.StateStarting {
		t.Errorf("Expected Starting after reset, got %s", h.c.State())
	}
}

func TestController_LaunchFailuresBackOffThenFail(t *testing.T) {
	h := newHarness()
	h.engine.startErr = errors.New("dial tcp: connection refused")
	h.intent.listening = true

	h.c.Start()
	if h.c.State() != domain.StateRestarting {
		t.Fatalf("Expected Restarting after failed launch, got %s", h.c.State())
	}

	h.clock.Advance(99 * time.Millisecond)
	if len(h.engine.langs) != 1 {
		t.Fatalf("Expected backoff before relaunch, got %d launches", len(h.engine.langs))
	}
	h.clock.Advance(time.Millisecond)
	if len(h.engine.langs) != 2 {
		t.Fatalf("Expected relaunch after 100ms, got %d launches", len(h.engine.langs))
	}

	h.clock.Advance(200 * time.Millisecond)
	if len(h.engine.langs) != 3 {
		t.Fatalf("Expected third launch after 200ms, got %d", len(h.engine.langs))
	}
	if h.c.State() != domain.StateError {
		t.Errorf("Expected Error after exhausting restarts, got %s", h.c.State())
	}
	if !errors.Is(h.sink.errs[len(h.sink.errs)-1], ErrRestartsExhausted) {
		t.Errorf("Expected restarts exhausted error, got %v", h.sink.errs[len(h.sink.errs)-1])
	}
}

func TestController_StopDuringBackoff(t *testing.T) {
	h := newHarness()
	h.engine.startErr = errors.New("temporary")
	h.intent.listening = true
	h.c.Start()

	h.stop()
	h.clock.Advance(time.Second)

	if h.c.State() != domain.StateIdle {
		t.Errorf("Expected Idle, got %s", h.c.State())
	}
	if len(h.engine.langs) != 1 {
		t.Errorf("Expected no relaunch after stop, got %d launches", len(h.engine.langs))
	}
}

func TestController_StartAckTimeout(t *testing.T) {
	h := newHarness()
	h.intent.listening = true
	h.c.Start()

	h.clock.Advance(10 * time.Second)

	if h.engine.aborts != 1 {
		t.Errorf("Expected unacknowledged run to be aborted, got %d aborts", h.engine.aborts)
	}
	if h.c.State() != domain.StateRestarting {
		t.Errorf("Expected Restarting, got %s", h.c.State())
	}
	if len(h.sink.errs) != 1 || !errors.Is(h.sink.errs[0], ErrAckTimeout) {
		t.Errorf("Expected ack timeout error, got %v", h.sink.errs)
	}
}

func TestController_StopAckTimeout(t *testing.T) {
	h := newHarness()
	h.listen(t)

	h.stop()
	h.clock.Advance(10 * time.Second)

	if h.c.State() != domain.StateIdle {
		t.Errorf("Expected Idle once stop acknowledgement timed out, got %s", h.c.State())
	}
	if h.engine.aborts != 1 {
		t.Errorf("Expected abort, got %d", h.engine.aborts)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		class domain.ErrorClass
	}{
		{ErrNoSpeech, domain.ClassIgnorable},
		{ErrAborted, domain.ClassIgnorable},
		{ErrUnsupported, domain.ClassFatal},
		{ErrNotAllowed, domain.ClassFatal},
		{errors.New("boom"), domain.ClassRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := domain.ClassOf(Classify(tt.err)); got != tt.class {
				t.Errorf("Expected %s, got %s", tt.class, got)
			}
		})
	}
}

func TestController_RestartAppliesLanguage(t *testing.T) {
	h := newHarness()
	l := h.listen(t)

	h.intent.lang = "ja-JP"
	h.c.Restart("reconfigure")
	h.c.Restart("reconfigure")
	if h.engine.stops != 1 {
		t.Fatalf("Expected one stop, got %d", h.engine.stops)
	}

	l.Ended()
	if got := h.engine.langs[len(h.engine.langs)-1]; got != "ja-JP" {
		t.Errorf("Expected relaunch in ja-JP, got %s", got)
	}
}
