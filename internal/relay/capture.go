package relay

import (
	"sync/atomic"

	"github.com/lexiqai/live-transcriber/internal/domain"
)

// Channel is the outbound side of the persistent backend channel.
type Channel interface {
	// Open makes sure the channel is connected and reports the outcome to
	// done, possibly from another goroutine.
	Open(done func(error))
	Send(msg any) error
	Close() error
	// Epoch identifies the current connection; it changes whenever a new
	// connection replaces the previous one.
	Epoch() uint64
}

// CaptureListener receives the output of one capture stream. Implementations
// are safe to call from any goroutine.
type CaptureListener interface {
	Chunk(data []byte)
	Level(level domain.SpeechLevel)
	// Drained follows the last chunk once Stop was requested.
	Drained()
	Failed(err error)
}

// Capture acquires the audio device.
type Capture interface {
	Acquire(constraints domain.AudioConstraints, l CaptureListener) (Stream, error)
}

// Stream is one acquired capture.
type Stream interface {
	MimeType() string
	// Stop ends capture after flushing the pending chunk.
	Stop()
	// Release drops the device at once; nothing else is delivered.
	Release()
}

// captureSub binds one stream to the relay; events of a replaced stream are
// dropped on the loop.
type captureSub struct {
	r    *Session
	live atomic.Bool
}

func newCaptureSub(r *Session) *captureSub {
	s := &captureSub{r: r}
	s.live.Store(true)
	return s
}

func (s *captureSub) revoke() {
	s.live.Store(false)
}

func (s *captureSub) dispatch(f func()) {
	if !s.live.Load() {
		return
	}
	s.r.post(func() {
		if !s.live.Load() || s.r.capSub != s {
			return
		}
		f()
	})
}

func (s *captureSub) Chunk(data []byte) {
	s.dispatch(func() { s.r.onChunk(data) })
}

func (s *captureSub) Level(level domain.SpeechLevel) {
	s.dispatch(func() { s.r.onLevel(level) })
}

func (s *captureSub) Drained() {
	s.dispatch(func() { s.r.onDrained() })
}

func (s *captureSub) Failed(err error) {
	s.dispatch(func() { s.r.onCaptureFailed(err) })
}
