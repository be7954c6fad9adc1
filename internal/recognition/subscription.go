package recognition

import (
	"sync/atomic"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// subscription is the Listener handed to one engine run. Every event is
// posted to the controller loop and dropped there unless the subscription is
// still the controller's current one, so a torn-down run can never reach the
// next one.
type subscription struct {
	c    *Controller
	run  int
	live atomic.Bool
}

func newSubscription(c *Controller, run int) *subscription {
	s := &subscription{c: c, run: run}
	s.live.Store(true)
	return s
}

func (s *subscription) revoke() {
	s.live.Store(false)
}

func (s *subscription) dispatch(f func()) {
	if !s.live.Load() {
		return
	}
	s.c.post(func() {
		if !s.live.Load() || s.c.sub != s {
			return
		}
		f()
	})
}

func (s *subscription) Started() {
	s.dispatch(func() { s.c.onStarted() })
}

func (s *subscription) Result(results []transcript.Result) {
	batch := transcript.Batch{Run: s.run, Results: append([]transcript.Result(nil), results...)}
	s.dispatch(func() { s.c.onResult(batch) })
}

func (s *subscription) Ended() {
	s.dispatch(func() { s.c.onEnded(nil) })
}

func (s *subscription) Failed(err error) {
	s.dispatch(func() { s.c.onFailed(err) })
}
