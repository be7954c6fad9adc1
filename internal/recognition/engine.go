// Package recognition drives a streaming speech recognition engine through
// the listening lifecycle and feeds its results into the transcript.
package recognition

import (
	"errors"

	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// Engine errors the controller knows how to classify.
var (
	// ErrNoSpeech means the engine heard nothing it could transcribe.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrAborted means the run was torn down on request.
	ErrAborted = errors.New("recognition aborted")
	// ErrUnsupported means the engine cannot run on this host.
	ErrUnsupported = errors.New("recognition not supported")
	// ErrNotAllowed means the engine was refused access (credentials, device).
	ErrNotAllowed = errors.New("recognition not allowed")

	// ErrAckTimeout is raised when the engine does not acknowledge a start
	// or stop request in time.
	ErrAckTimeout = errors.New("engine acknowledgement timed out")
	// ErrEndedBeforeStart is raised when a run ends without ever starting.
	ErrEndedBeforeStart = errors.New("engine ended before it started")
	// ErrRestartsExhausted is raised when relaunching keeps failing.
	ErrRestartsExhausted = errors.New("engine restart attempts exhausted")
)

// Listener receives the events of one engine run. Implementations are safe
// to call from any goroutine.
type Listener interface {
	// Started acknowledges a Start request.
	Started()
	// Result delivers the engine's current result window.
	Result(results []transcript.Result)
	// Ended reports that the run is over, whatever the cause.
	Ended()
	// Failed reports an engine error. The run is not assumed to be over.
	Failed(err error)
}

// Engine is a streaming recognizer. One run is active at a time; each Start
// receives a fresh Listener and the engine must only report to the Listener
// of the run it belongs to.
type Engine interface {
	Start(lang string, l Listener) error
	// Stop ends the run gracefully, delivering pending finals before Ended.
	Stop() error
	// Abort ends the run immediately.
	Abort() error
}

// Classify tags an engine error with its propagation class.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoSpeech):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassIgnorable, "no_speech")
	case errors.Is(err, ErrAborted):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassIgnorable, "aborted")
	case errors.Is(err, ErrUnsupported):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassFatal, "unsupported")
	case errors.Is(err, ErrNotAllowed):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassFatal, "not_allowed")
	case errors.Is(err, ErrRestartsExhausted):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassFatal, "restarts_exhausted")
	case errors.Is(err, ErrAckTimeout):
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassRecoverable, "ack_timeout")
	default:
		return domain.Classify(err, domain.ComponentRecognition, domain.ClassRecoverable, "engine_error")
	}
}
