// Package transcript holds the canonical transcript of a listening session
// and the reconciliation of engine result batches into it.
package transcript

// Marker tags a synthetic finalized segment that delimits a forced flush.
type Marker string

const (
	MarkerNone       Marker = ""
	MarkerRegression Marker = "regression"
	MarkerStall      Marker = "stall"
	MarkerRunEnd     Marker = "run_end"
)

// Segment is one piece of transcript text. Index is only comparable within
// the same Run.
type Segment struct {
	Run        int     `json:"run"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	Marker     Marker  `json:"marker,omitempty"`
}

// IsMarker reports whether s is a boundary marker rather than engine text.
func (s Segment) IsMarker() bool {
	return s.Marker != MarkerNone
}

// Result is a single entry of an engine result batch.
type Result struct {
	Index      int
	Text       string
	Confidence float64
	Final      bool
}

// Batch is the ordered set of results the engine delivered for one run. The
// engine may re-send already known indices as context.
type Batch struct {
	Run     int
	Results []Result
}

// Delta describes how one reconciliation step changed the transcript.
type Delta struct {
	Run         int       `json:"run"`
	Appended    []Segment `json:"appended,omitempty"`
	Tail        []Segment `json:"tail"`
	TailChanged bool      `json:"tailChanged"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Appended) == 0 && !d.TailChanged
}

// then folds a later delta of the same step into d.
func (d Delta) then(next Delta) Delta {
	out := Delta{Run: d.Run, Tail: d.Tail, TailChanged: d.TailChanged}
	out.Appended = append(append([]Segment(nil), d.Appended...), next.Appended...)
	if next.TailChanged {
		out.Tail = next.Tail
		out.TailChanged = true
	}
	return out
}

func segmentsEqual(a, b []Segment) bool {
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
