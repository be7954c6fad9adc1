package transcript

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNonMonotonic is returned when a delta would revise or reorder a
// finalized index of a run.
var ErrNonMonotonic = errors.New("finalized index is not increasing")

// Store is the ordered transcript of one listening session: append-only
// finalized segments plus the current interim tail. It is owned by a single
// goroutine.
type Store struct {
	finals []Segment
	tail   []Segment
	last   map[int]int
}

// NewStore creates an empty transcript.
func NewStore() *Store {
	return &Store{last: make(map[int]int)}
}

// Apply appends the finalized segments of d and replaces the tail if it
// changed. A delta that breaks index monotonicity is rejected as a whole.
func (s *Store) Apply(d Delta) error {
	pending := make(map[int]int)
	for _, seg := range d.Appended {
		if seg.IsMarker() {
			continue
		}
		last, ok := pending[seg.Run]
		if !ok {
			last, ok = s.last[seg.Run]
		}
		if ok && seg.Index <= last {
			return fmt.Errorf("%w: run %d index %d after %d", ErrNonMonotonic, seg.Run, seg.Index, last)
		}
		pending[seg.Run] = seg.Index
	}

	for run, idx := range pending {
		s.last[run] = idx
	}
	s.finals = append(s.finals, d.Appended...)
	if d.TailChanged {
		s.tail = append([]Segment(nil), d.Tail...)
	}
	return nil
}

// Finals returns a copy of the finalized segments.
func (s *Store) Finals() []Segment {
	return append([]Segment(nil), s.finals...)
}

// Tail returns a copy of the interim tail.
func (s *Store) Tail() []Segment {
	return append([]Segment(nil), s.tail...)
}

// Len returns the number of finalized segments, markers included.
func (s *Store) Len() int {
	return len(s.finals)
}

// Text renders the finalized transcript; boundary markers become line breaks.
func (s *Store) Text() string {
	var b strings.Builder
	for _, seg := range s.finals {
		if seg.IsMarker() {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte(' ')
		}
		b.WriteString(seg.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Snapshot is a point-in-time copy of the transcript.
type Snapshot struct {
	Finals []Segment `json:"finals"`
	Tail   []Segment `json:"tail"`
	Text   string    `json:"text"`
}

// Snapshot copies the current transcript.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{Finals: s.Finals(), Tail: s.Tail(), Text: s.Text()}
}

// Reset clears the transcript for a new listening session.
func (s *Store) Reset() {
	s.finals = nil
	s.tail = nil
	s.last = make(map[int]int)
}
