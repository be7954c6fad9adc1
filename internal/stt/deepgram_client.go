// Package stt implements the streaming recognition engine on Deepgram.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/recognition"
	"github.com/lexiqai/live-transcriber/internal/relay"
	"github.com/lexiqai/live-transcriber/internal/resilience"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

var (
	errConnectFailed = errors.New("failed to connect to Deepgram")
	errRunActive     = errors.New("recognition run already active")
)

// DeepgramEngine implements recognition.Engine on Deepgram's streaming API.
// Every run opens its own connection and its own capture stream.
type DeepgramEngine struct {
	cfg     Config
	capture relay.Capture
	dial    dialFunc
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu  sync.Mutex
	cur *run
}

// NewDeepgramEngine creates an engine that captures audio through capture.
func NewDeepgramEngine(cfg Config, capture relay.Capture, logger zerolog.Logger) *DeepgramEngine {
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = 1500 * time.Millisecond
	}
	e := &DeepgramEngine{
		cfg:     cfg,
		capture: capture,
		breaker: resilience.NewCircuitBreaker("deepgram", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		logger:  logger.With().Str("component", "deepgram").Logger(),
	}
	e.dial = e.dialDeepgram
	return e
}

// Start opens a run in lang. The connection is made in the background; the
// listener hears Started once audio flows.
func (e *DeepgramEngine) Start(lang string, l recognition.Listener) error {
	if e.cfg.APIKey == "" {
		return fmt.Errorf("%w: DEEPGRAM_API_KEY is not configured", recognition.ErrNotAllowed)
	}

	e.mu.Lock()
	if e.cur != nil && !e.cur.isEnded() {
		e.mu.Unlock()
		return errRunActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		e:      e,
		l:      l,
		lang:   lang,
		ctx:    ctx,
		cancel: cancel,
		logger: e.logger.With().Str("lang", lang).Logger(),
	}
	e.cur = r
	e.mu.Unlock()

	go r.open()
	return nil
}

// Stop drains the capture, asks Deepgram to finalize and ends the run once
// the trailing finals had time to arrive.
func (e *DeepgramEngine) Stop() error {
	if r := e.current(); r != nil {
		r.stop()
	}
	return nil
}

// Abort ends the run at once.
func (e *DeepgramEngine) Abort() error {
	if r := e.current(); r != nil {
		r.finish()
	}
	return nil
}

func (e *DeepgramEngine) current() *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

func (e *DeepgramEngine) dialDeepgram(ctx context.Context, lang string, cb *messageCallbackHandler) (streamConn, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       lang,
		Punctuate:      true,
		SmartFormat:    e.cfg.SmartFormat,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(e.cfg.UtteranceEndMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       e.cfg.Audio.ChannelCount,
		SampleRate:     e.cfg.Audio.SampleRate,
	}
	cOptions := &interfaces.ClientOptions{
		Host:            e.cfg.Host,
		EnableKeepAlive: true,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, e.cfg.APIKey, cOptions, tOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	return client, nil
}

// run is one engine activation. Listener calls other than Ended are made
// under mu so the controller sees them in order.
type run struct {
	e      *DeepgramEngine
	l      recognition.Listener
	lang   string
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	conn     streamConn
	stream   relay.Stream
	finals   []transcript.Result
	interim  *transcript.Result
	sent     int // finals already delivered
	stopping bool
	ended    bool
}

func (r *run) open() {
	var conn streamConn
	err := r.e.breaker.Call(func() error {
		c, err := r.e.dial(r.ctx, r.lang, newCallbackHandler(r))
		if err != nil {
			return err
		}
		if !c.Connect() {
			return errConnectFailed
		}
		conn = c
		return nil
	})
	observability.UpdateCircuitBreakerState("deepgram", int(r.e.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		r.logger.Error().Err(err).Msg("Deepgram connection failed")
		r.fail(err)
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		conn.Finish()
		return
	}
	r.conn = conn
	r.mu.Unlock()

	stream, err := r.e.capture.Acquire(r.e.cfg.Audio, &feed{r: r})
	if err != nil {
		r.fail(fmt.Errorf("%w: %v", recognition.ErrNotAllowed, err))
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		stream.Release()
		return
	}
	r.stream = stream
	stopping := r.stopping
	r.l.Started()
	r.mu.Unlock()

	r.logger.Info().Str("model", r.e.cfg.Model).Msg("Deepgram run started")
	if stopping {
		stream.Stop()
	}
}

func (r *run) onTranscript(text string, confidence float64, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}

	switch {
	case final:
		switch {
		case text != "":
			r.finals = append(r.finals, transcript.Result{
				Index:      len(r.finals),
				Text:       text,
				Confidence: confidence,
				Final:      true,
			})
		case r.interim != nil:
			// An empty final still closes the interim at its index; the
			// reconciler keeps the interim text for it.
			r.finals = append(r.finals, transcript.Result{Index: r.interim.Index, Final: true})
		}
		r.interim = nil
	case text == "":
		if r.interim == nil {
			return
		}
		r.interim = nil
	default:
		r.interim = &transcript.Result{Index: len(r.finals), Text: text, Confidence: confidence}
	}

	window := append([]transcript.Result(nil), r.finals[r.sent:]...)
	r.sent = len(r.finals)
	if r.interim != nil {
		window = append(window, *r.interim)
	}
	r.l.Result(window)
}

func (r *run) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.logger.Warn().Err(err).Msg("Deepgram error")
	r.l.Failed(err)
}

// fail reports err and ends the run.
func (r *run) fail(err error) {
	r.onError(err)
	r.finish()
}

func (r *run) stop() {
	r.mu.Lock()
	if r.ended || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	stream := r.stream
	r.mu.Unlock()

	if stream == nil {
		// Still connecting: open stops the capture once it is up. A run
		// that never connects ends through fail.
		return
	}
	stream.Stop()
}

// drained follows the last chunk of a graceful stop.
func (r *run) drained() {
	r.mu.Lock()
	conn := r.conn
	ended := r.ended
	r.mu.Unlock()
	if ended || conn == nil {
		return
	}

	if err := conn.Finalize(); err != nil {
		r.logger.Debug().Err(err).Msg("Deepgram finalize failed")
		r.finish()
		return
	}
	time.AfterFunc(r.e.cfg.FinalizeGrace, r.finish)
}

// finish ends the run exactly once.
func (r *run) finish() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	conn, stream, finals := r.conn, r.stream, len(r.finals)
	r.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
	if conn != nil {
		conn.Finish()
	}
	r.cancel()
	r.logger.Debug().Int("finals", finals).Msg("Deepgram run ended")
	// Nothing reaches the listener once ended is set, so Ended stays last.
	r.l.Ended()
}

func (r *run) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *run) write(data []byte) {
	r.mu.Lock()
	conn := r.conn
	ended := r.ended
	r.mu.Unlock()
	if ended || conn == nil {
		return
	}

	if _, err := conn.Write(data); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to send audio to Deepgram")
		return
	}
	observability.RecordEngineBytes(len(data))
}

// feed adapts the engine's capture stream to its run.
type feed struct {
	r *run
}

func (f *feed) Chunk(data []byte)        { f.r.write(data) }
func (f *feed) Level(domain.SpeechLevel) {}
func (f *feed) Drained()                 { f.r.drained() }
func (f *feed) Failed(err error)         { f.r.fail(fmt.Errorf("engine capture failed: %w", err)) }
