package transcript

// Reconciler folds engine batches into a Store, keeping the per-run state
// between calls. Like the Store it is owned by a single goroutine.
type Reconciler struct {
	store *Store
	run   Run
}

// NewReconciler creates a reconciler writing into store.
func NewReconciler(store *Store) *Reconciler {
	return &Reconciler{store: store, run: NewRun(NoRun)}
}

// BeginRun resets the per-run cursor and counters for run id. The transcript
// itself is kept.
func (r *Reconciler) BeginRun(id int) {
	r.run = NewRun(id)
}

// Apply reconciles batch against the current run and commits the result.
func (r *Reconciler) Apply(batch Batch) Delta {
	next, delta := Reconcile(r.run, batch)
	return r.commit(next, delta)
}

// FlushStall finalizes the pending tail behind a stall marker.
func (r *Reconciler) FlushStall() Delta {
	next, delta := FlushStall(r.run)
	return r.commit(next, delta)
}

// EndRun finalizes whatever the run left pending and detaches from it, so
// late batches of the ended run are ignored.
func (r *Reconciler) EndRun() Delta {
	if r.run.ID == NoRun {
		return Delta{}
	}
	delta := End(r.run)
	return r.commit(NewRun(NoRun), delta)
}

// Pending reports whether interim text is waiting to finalize.
func (r *Reconciler) Pending() bool {
	return len(r.run.Tail) > 0
}

// Run returns the current run state.
func (r *Reconciler) Run() Run {
	return r.run
}

// Store returns the transcript the reconciler writes into.
func (r *Reconciler) Store() *Store {
	return r.store
}

// Reset clears the transcript and detaches from any run.
func (r *Reconciler) Reset() {
	r.store.Reset()
	r.run = NewRun(NoRun)
}

func (r *Reconciler) commit(next Run, delta Delta) Delta {
	if delta.Empty() {
		r.run = next
		return delta
	}
	if err := r.store.Apply(delta); err != nil {
		return Delta{Run: r.run.ID}
	}
	r.run = next
	return delta
}
