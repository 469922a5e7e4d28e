// Package scheduler drives the adaptive refresh loop shared by all dynamic
// panel widgets. One funnel goroutine owns every state mutation: timer
// ticks, fetch completions, visibility changes, and forced refreshes all
// pass through it, so no two updates for the same widget ever race. Fetches
// themselves run on worker goroutines and rejoin the funnel with their
// result, keeping a slow external query from stalling the panel.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/billygrant24/niri-panel/pkg/conflict"
	"github.com/billygrant24/niri-panel/pkg/source"
	"github.com/billygrant24/niri-panel/pkg/store"
)

// DefaultTickInterval is the granularity of the scheduler's clock. Each
// tick only re-checks due times; sources poll at their policy intervals.
const DefaultTickInterval = 250 * time.Millisecond

// DefaultFetchTimeout bounds one Source.Fetch call.
const DefaultFetchTimeout = 3 * time.Second

// DefaultUnavailableLimit is how many consecutive failures pin a source at
// its idle interval regardless of visibility.
const DefaultUnavailableLimit = 3

// Sink receives fetched values for projection into widget state. The
// scheduler never reads back; projection is one-way.
type Sink interface {
	Apply(widget, field string, value any)
}

// Spec binds one data source to one widget field with its refresh policy.
type Spec struct {
	Widget string
	Field  string
	Source source.Source

	Policy RefreshPolicy

	// TTL is how long a fetched value stays fresh in the store. Zero means
	// every due tick refetches.
	TTL time.Duration

	// FetchTimeout bounds one fetch. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration
}

type entryState int

const (
	stateIdle entryState = iota
	statePolling
	stateSuppressed
)

type entryKey struct {
	widget string
	key    source.Key
}

type entry struct {
	spec    Spec
	sink    Sink
	gen     uint64
	visible bool
	state   entryState

	lastPoll  time.Time
	unchanged int    // consecutive unchanged results
	failures  int    // consecutive failed fetches
	pending   bool   // cached value waiting for an edit to end
	lastErr   string // last logged fetch error, for dedup
}

// Funnel events.
type evAdd struct {
	spec Spec
	sink Sink
}

type evRemove struct{ widget string }

type evVisible struct {
	widget  string
	visible bool
}

type evForce struct{ widget string }

type evEditEnded struct{ widget, field string }

type evResult struct {
	key       entryKey
	gen       uint64
	value     any
	fetchedAt time.Time
	err       error
}

// Scheduler owns the per-(widget, source) refresh state machines.
type Scheduler struct {
	store     *store.Store
	conflicts *conflict.Registry
	logger    *slog.Logger

	now              func() time.Time
	spawn            func(func())
	deliver          func(evResult)
	unavailableLimit int

	ctx     context.Context
	done    chan struct{}
	events  chan any
	entries map[entryKey]*entry
	nextGen uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithUnavailableLimit overrides how many consecutive failures pin a source
// at its idle interval.
func WithUnavailableLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.unavailableLimit = n
		}
	}
}

// New creates a scheduler writing through st and consulting edits for
// conflict suppression. A nil logger uses slog.Default().
func New(st *store.Store, edits *conflict.Registry, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:            st,
		conflicts:        edits,
		logger:           logger,
		now:              time.Now,
		unavailableLimit: DefaultUnavailableLimit,
		ctx:              context.Background(),
		done:             make(chan struct{}),
		events:           make(chan any, 256),
		entries:          make(map[entryKey]*entry),
	}
	s.spawn = func(fn func()) { go fn() }
	s.deliver = func(ev evResult) { s.post(ev) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a source for a widget field. Safe to call before or during
// Run.
func (s *Scheduler) Add(spec Spec, sink Sink) {
	s.post(evAdd{spec: spec, sink: sink})
}

// Remove tears down every source owned by the widget. Pending timers are
// cancelled and in-flight fetch results are dropped on arrival.
func (s *Scheduler) Remove(widget string) {
	s.post(evRemove{widget: widget})
}

// SetVisible records the widget's popover visibility. Becoming visible
// forces an immediate poll so the first paint never shows an arbitrarily
// stale value.
func (s *Scheduler) SetVisible(widget string, visible bool) {
	s.post(evVisible{widget: widget, visible: visible})
}

// ForceRefresh polls all of the widget's sources now, bypassing both the
// interval gate and the freshness check.
func (s *Scheduler) ForceRefresh(widget string) {
	s.post(evForce{widget: widget})
}

// NotifyEditEnded flushes a value that was cached while the field was being
// edited. The caller clears the conflict flag first.
func (s *Scheduler) NotifyEditEnded(widget, field string) {
	s.post(evEditEnded{widget: widget, field: field})
}

func (s *Scheduler) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run is the funnel. It processes events and ticks until ctx is cancelled.
// tickEvery <= 0 uses DefaultTickInterval.
func (s *Scheduler) Run(ctx context.Context, tickEvery time.Duration) error {
	if tickEvery <= 0 {
		tickEvery = DefaultTickInterval
	}
	s.ctx = ctx
	defer close(s.done)

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.handleTick(s.now())
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// handle dispatches one funnel event. Only the funnel goroutine (or a test
// standing in for it) may call this.
func (s *Scheduler) handle(ev any) {
	switch e := ev.(type) {
	case evAdd:
		s.handleAdd(e)
	case evRemove:
		s.handleRemove(e.widget)
	case evVisible:
		s.handleVisible(e.widget, e.visible)
	case evForce:
		s.forcePoll(e.widget)
	case evEditEnded:
		s.handleEditEnded(e.widget, e.field)
	case evResult:
		s.handleResult(e)
	}
}

func (s *Scheduler) handleAdd(ev evAdd) {
	spec := ev.spec
	spec.Policy = spec.Policy.Normalize()
	if spec.FetchTimeout <= 0 {
		spec.FetchTimeout = DefaultFetchTimeout
	}

	k := entryKey{widget: spec.Widget, key: spec.Source.Key()}
	if _, exists := s.entries[k]; exists {
		s.logger.Warn("replacing scheduled source", "widget", spec.Widget, "source", spec.Source.Key())
	}
	s.nextGen++
	s.entries[k] = &entry{spec: spec, sink: ev.sink, gen: s.nextGen}
}

func (s *Scheduler) handleRemove(widget string) {
	for k := range s.entries {
		if k.widget == widget {
			delete(s.entries, k)
		}
	}
}

func (s *Scheduler) handleVisible(widget string, visible bool) {
	for k, e := range s.entries {
		if k.widget == widget {
			e.visible = visible
		}
	}
	if visible {
		s.forcePoll(widget)
	}
}

// handleTick starts a poll for every entry whose interval has elapsed and
// whose cached value is no longer fresh. It also sweeps for suppressed
// values whose edit flag has gone away: the UI callback that would have
// called NotifyEditEnded can be lost, and the grace period then clears the
// flag without anyone flushing, so the funnel re-checks on every tick.
func (s *Scheduler) handleTick(now time.Time) {
	for k, e := range s.entries {
		if e.pending && !s.conflicts.IsEditing(k.widget, e.spec.Field) {
			s.flushPending(k, e)
		}
		if e.state == statePolling {
			continue
		}
		if now.Sub(e.lastPoll) < s.intervalFor(e) {
			continue
		}
		if s.store.IsFresh(store.Key(k.key), now) {
			continue
		}
		s.startPoll(k, e, now)
	}
}

// intervalFor applies the refresh policy plus failure escalation: timeouts
// count toward the same backoff exponent as unchanged results, and a source
// that has failed unavailableLimit times in a row is pinned to its idle
// interval even while visible.
func (s *Scheduler) intervalFor(e *entry) time.Duration {
	if e.failures >= s.unavailableLimit {
		return e.spec.Policy.Normalize().Idle
	}
	return e.spec.Policy.Interval(e.visible, e.unchanged+e.failures)
}

// forcePoll bypasses the interval gate and freshness check for all of a
// widget's sources. In-flight polls are left alone; their result is already
// on the way.
func (s *Scheduler) forcePoll(widget string) {
	now := s.now()
	for k, e := range s.entries {
		if k.widget != widget || e.state == statePolling {
			continue
		}
		s.startPoll(k, e, now)
	}
}

// startPoll transitions the entry to Polling and dispatches the fetch to a
// worker. No store lock is held across the fetch.
func (s *Scheduler) startPoll(k entryKey, e *entry, now time.Time) {
	e.state = statePolling
	e.lastPoll = now

	src := e.spec.Source
	timeout := e.spec.FetchTimeout
	gen := e.gen
	parent := s.ctx

	s.spawn(func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		value, err := src.Fetch(ctx)
		s.deliver(evResult{
			key:       k,
			gen:       gen,
			value:     value,
			fetchedAt: s.now(),
			err:       err,
		})
	})
}

// handleResult applies one fetch completion: classify failures, enforce the
// out-of-order discard, update the backoff run, and project the value into
// the sink unless a user edit suppresses it.
func (s *Scheduler) handleResult(ev evResult) {
	e, ok := s.entries[ev.key]
	if !ok || e.gen != ev.gen {
		// Widget destroyed (or recycled) while the fetch was in flight.
		return
	}
	e.state = stateIdle

	if ev.err != nil {
		s.recordFailure(e, ev)
		return
	}
	e.failures = 0
	e.lastErr = ""

	prev, had := s.store.Get(store.Key(ev.key.key))
	if !s.store.Put(store.Key(ev.key.key), ev.value, ev.fetchedAt, e.spec.TTL) {
		// A newer fetch already landed; this one is stale.
		return
	}

	changed := !had || !source.Equal(e.spec.Source, prev.Value, ev.value)
	if !changed {
		e.unchanged++
		// The store already held this value, but it may never have reached
		// the sink if it landed during an edit that has since expired.
		if e.pending && !s.conflicts.IsEditing(e.spec.Widget, e.spec.Field) {
			s.flushPending(ev.key, e)
		}
		return
	}
	e.unchanged = 0

	if s.conflicts.IsEditing(e.spec.Widget, e.spec.Field) {
		// Cached above so it is ready the moment the edit ends, but the
		// user's hand wins the display.
		e.state = stateSuppressed
		e.pending = true
		return
	}
	s.apply(e, ev.value)
}

func (s *Scheduler) recordFailure(e *entry, ev evResult) {
	e.failures++

	kind := source.KindOf(ev.err)
	msg := ev.err.Error()
	// Log once per change of error, not per tick.
	if msg != e.lastErr {
		e.lastErr = msg
		s.logger.Warn("fetch failed",
			"widget", e.spec.Widget,
			"source", ev.key.key,
			"kind", kind.String(),
			"error", ev.err,
		)
	}
}

// handleEditEnded projects the value that was suppressed during the edit.
func (s *Scheduler) handleEditEnded(widget, field string) {
	for k, e := range s.entries {
		if k.widget != widget || e.spec.Field != field || !e.pending {
			continue
		}
		s.flushPending(k, e)
	}
}

// flushPending projects the cached value that suppression kept from the
// sink. pending stays authoritative: it clears only once the value has
// actually been applied.
func (s *Scheduler) flushPending(k entryKey, e *entry) {
	if cv, ok := s.store.Get(store.Key(k.key)); ok {
		s.apply(e, cv.Value)
	} else {
		e.pending = false
	}
	if e.state == stateSuppressed {
		e.state = stateIdle
	}
}

// apply projects a value into the sink. The programmatic-update flag lets a
// UI change handler that fires synchronously on projection tell the echo
// apart from a real user edit.
func (s *Scheduler) apply(e *entry, value any) {
	s.conflicts.BeginProgrammatic(e.spec.Widget, e.spec.Field)
	e.sink.Apply(e.spec.Widget, e.spec.Field, value)
	s.conflicts.EndEdit(e.spec.Widget, e.spec.Field)
	e.pending = false
}
