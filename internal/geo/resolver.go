package geo

import (
	"context"
	"sync"
	"time"

	"astroai/internal/config"
	appLog "astroai/internal/log"
	"astroai/internal/model"
)

// Snapshot is a copy of the resolver's visible state.
type Snapshot struct {
	// Query is the latest text passed to OnQueryChanged.
	Query   string `json:"query"`
	Loading bool   `json:"loading"`
	// Results is never nil; a failed search shows as an empty list.
	Results []model.SearchCandidate `json:"results"`
	// Seq is the sequence number of the latest dispatched search.
	Seq uint64 `json:"seq"`
	// LastError describes the most recent degraded search, if any.
	LastError string `json:"last_error,omitempty"`
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithClock replaces the wall clock used for debouncing.
func WithClock(c Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

// Resolver turns a stream of keystrokes into at most one place search per
// quiet period and only ever shows the results of the latest search.
//
// Every dispatched search is tagged with an increasing sequence number. A
// response is applied only while its number is still live: a newer
// dispatch, a too-short query or Dispose all retire it, so a slow response
// can never replace the results of a later query.
type Resolver struct {
	searcher Searcher
	clock    Clock
	debounce time.Duration
	minLen   int

	mu    sync.Mutex
	query string
	timer Timer
	// timerGen is bumped whenever a scheduled search is replaced or stopped.
	timerGen uint64
	// seq is the latest dispatched search; live is the one allowed to
	// publish results, 0 for none.
	seq       uint64
	live      uint64
	cancel    context.CancelFunc
	loading   bool
	results   []model.SearchCandidate
	lastErr   string
	disposed  bool
	listeners []func(Snapshot)
	// version counts visible changes.
	version uint64

	// notifyMu serializes delivery; delivered is the newest version sent.
	notifyMu  sync.Mutex
	delivered uint64
}

// NewResolver creates a resolver over searcher using the debounce interval
// and minimum query length from cfg.
func NewResolver(searcher Searcher, cfg config.SearchConfig, opts ...ResolverOption) *Resolver {
	cfg.Normalize()
	r := &Resolver{
		searcher: searcher,
		clock:    realClock{},
		debounce: cfg.Debounce,
		minLen:   cfg.MinQueryLength,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn to be called after every visible state change.
// fn runs outside the resolver's lock and may be called from any goroutine,
// but calls are serialized and never go backwards: a change overtaken by a
// newer one before delivery is skipped. fn must not call back into the
// resolver.
func (r *Resolver) Subscribe(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.listeners = append(r.listeners, fn)
}

// OnQueryChanged records text and schedules a search once the debounce
// interval passes without another call. Text shorter than the minimum
// length cancels everything and clears the results immediately.
func (r *Resolver) OnQueryChanged(text string) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}

	r.query = text
	r.stopTimerLocked()

	if !QueryLongEnough(text, r.minLen) {
		r.retireLocked()
		r.results = nil
		r.lastErr = ""
		snap, version, listeners := r.changedLocked()
		r.mu.Unlock()
		r.publish(version, listeners, snap)
		return
	}

	gen := r.timerGen
	r.timer = r.clock.AfterFunc(r.debounce, func() { r.dispatch(gen, text) })
	r.mu.Unlock()
}

// Dispose cancels the scheduled search and any in-flight one and retires
// every outstanding sequence number. It is safe to call more than once.
func (r *Resolver) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	r.stopTimerLocked()
	r.retireLocked()
	r.listeners = nil
}

// Snapshot returns a copy of the visible state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Candidate returns result i of the current list.
func (r *Resolver) Candidate(i int) (model.SearchCandidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.results) {
		return model.SearchCandidate{}, false
	}
	return r.results[i], true
}

// dispatch runs when the debounce timer for gen fires.
func (r *Resolver) dispatch(gen uint64, text string) {
	r.mu.Lock()
	// A timer replaced after it already fired must not search.
	if r.disposed || gen != r.timerGen {
		r.mu.Unlock()
		return
	}
	r.timer = nil

	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.seq++
	seq := r.seq
	r.live = seq
	r.cancel = cancel
	r.loading = true

	snap, version, listeners := r.changedLocked()
	r.mu.Unlock()

	appLog.Debug("location search dispatched", "seq", seq, "query", text)
	r.publish(version, listeners, snap)

	go r.run(ctx, cancel, seq, text)
}

func (r *Resolver) run(ctx context.Context, cancel context.CancelFunc, seq uint64, text string) {
	defer cancel()

	results, err := r.searcher.Search(ctx, text)

	r.mu.Lock()
	if r.disposed || seq != r.live {
		r.mu.Unlock()
		appLog.Debug("location search result discarded as stale", "seq", seq, "query", text)
		return
	}

	r.loading = false
	r.cancel = nil
	if err != nil {
		r.degradeLocked(seq, text, err)
	} else {
		r.results = results
		r.lastErr = ""
	}

	snap, version, listeners := r.changedLocked()
	r.mu.Unlock()

	r.publish(version, listeners, snap)
}

// degradeLocked turns a failed search into an empty result list. Search is
// an assist, so failures are reported through the snapshot and the log only.
func (r *Resolver) degradeLocked(seq uint64, text string, err error) {
	r.results = nil
	r.lastErr = err.Error()
	appLog.Error("location search failed; showing no results", err, "seq", seq, "query", text)
}

// stopTimerLocked cancels the scheduled search, if any.
func (r *Resolver) stopTimerLocked() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// retireLocked abandons the in-flight search so its result is never applied.
func (r *Resolver) retireLocked() {
	r.live = 0
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.loading = false
}

func (r *Resolver) snapshotLocked() Snapshot {
	return Snapshot{
		Query:     r.query,
		Loading:   r.loading,
		Results:   append([]model.SearchCandidate{}, r.results...),
		Seq:       r.seq,
		LastError: r.lastErr,
	}
}

// changedLocked records a visible change and captures what to publish.
func (r *Resolver) changedLocked() (Snapshot, uint64, []func(Snapshot)) {
	r.version++
	return r.snapshotLocked(), r.version, r.listeners
}

// publish delivers snap unless a newer version was already delivered.
func (r *Resolver) publish(version uint64, listeners []func(Snapshot), snap Snapshot) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if version <= r.delivered {
		return
	}
	r.delivered = version
	for _, fn := range listeners {
		fn(snap)
	}
}
