package transcript

import (
	"sort"
	"strings"
)

// NoRun is the run number of a reconciler between runs. Engine runs are
// numbered from 1.
const NoRun = 0

// Run is the reconciliation state of one engine activation. It is a value:
// Reconcile never mutates the Run it is given.
type Run struct {
	ID int
	// Cursor is the next index expected to finalize; everything below it is
	// already in the transcript.
	Cursor int
	// Highest is the highest index with non-empty text seen since the last
	// reset, or -1.
	Highest int
	// Tail is the pending, replaceable suffix.
	Tail []Segment
	// Unmarked is set while the run holds text that no boundary marker
	// follows yet.
	Unmarked bool
}

// NewRun returns the initial state for run id.
func NewRun(id int) Run {
	return Run{ID: id, Highest: -1}
}

// Reconcile applies batch to run and returns the new run state together with
// the transcript delta. Batches tagged with a different run are stale and
// produce an empty delta.
func Reconcile(run Run, batch Batch) (Run, Delta) {
	delta := Delta{Run: run.ID}
	if batch.Run != run.ID || run.ID == NoRun {
		return run, delta
	}

	results := append([]Result(nil), batch.Results...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	highest := highestNonEmpty(results)
	if highest >= 0 && run.Highest >= 0 && highest < run.Highest {
		var flushed Delta
		run, flushed = flush(run, MarkerRegression)
		delta = delta.then(flushed)
		run.Highest = -1
	}
	if highest > run.Highest {
		run.Highest = highest
	}

	previous := make(map[int]Segment, len(run.Tail))
	for _, seg := range run.Tail {
		previous[seg.Index] = seg
	}

	var committed, tail []Segment
	pending := false
	for _, r := range results {
		if r.Index < run.Cursor {
			continue
		}
		seg := Segment{
			Run:        run.ID,
			Index:      r.Index,
			Text:       strings.TrimSpace(r.Text),
			Confidence: r.Confidence,
			Final:      r.Final,
		}
		if seg.Text == "" {
			if prev, ok := previous[r.Index]; ok {
				seg.Text = prev.Text
				seg.Confidence = prev.Confidence
			}
		}

		if r.Final && !pending {
			if seg.Text != "" {
				committed = append(committed, seg)
			}
			run.Cursor = r.Index + 1
			continue
		}
		pending = true
		if seg.Text != "" {
			tail = append(tail, seg)
		}
	}

	if len(committed) > 0 || len(tail) > 0 {
		run.Unmarked = true
	}
	if len(committed) > 0 {
		delta = delta.then(Delta{Appended: committed})
	}
	if !segmentsEqual(run.Tail, tail) {
		delta = delta.then(Delta{Tail: tail, TailChanged: true})
	}
	run.Tail = tail
	return run, delta
}

// FlushStall force-finalizes the pending tail after the engine went quiet.
func FlushStall(run Run) (Run, Delta) {
	return flush(run, MarkerStall)
}

// End closes run: any pending tail is finalized behind a run_end marker. A run
// whose last text is not yet followed by a marker still gets one.
func End(run Run) Delta {
	if len(run.Tail) > 0 {
		_, delta := flush(run, MarkerRunEnd)
		return delta
	}
	if !run.Unmarked {
		return Delta{Run: run.ID}
	}
	return Delta{Run: run.ID, Appended: []Segment{marker(run, MarkerRunEnd)}}
}

func flush(run Run, kind Marker) (Run, Delta) {
	if len(run.Tail) == 0 {
		return run, Delta{Run: run.ID}
	}

	appended := make([]Segment, 0, len(run.Tail)+1)
	for _, seg := range run.Tail {
		seg.Final = true
		appended = append(appended, seg)
		if seg.Index >= run.Cursor {
			run.Cursor = seg.Index + 1
		}
	}
	appended = append(appended, marker(run, kind))
	run.Tail = nil
	run.Unmarked = false
	return run, Delta{Run: run.ID, Appended: appended, TailChanged: true}
}

func marker(run Run, kind Marker) Segment {
	return Segment{Run: run.ID, Index: run.Cursor, Final: true, Marker: kind}
}

func highestNonEmpty(results []Result) int {
	highest := -1
	for _, r := range results {
		if strings.TrimSpace(r.Text) != "" && r.Index > highest {
			highest = r.Index
		}
	}
	return highest
}
