package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/billygrant24/niri-panel/pkg/conflict"
	"github.com/billygrant24/niri-panel/pkg/source"
	"github.com/billygrant24/niri-panel/pkg/store"
)

// recordingSink captures Apply calls for assertions.
type recordingSink struct {
	mu      sync.Mutex
	applies []applyCall
}

type applyCall struct {
	widget string
	field  string
	value  any
}

func (r *recordingSink) Apply(widget, field string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies = append(r.applies, applyCall{widget, field, value})
}

func (r *recordingSink) calls() []applyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]applyCall(nil), r.applies...)
}

// countingHandler counts slog records at warn level or above.
type countingHandler struct {
	mu    sync.Mutex
	warns int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.mu.Lock()
		h.warns++
		h.mu.Unlock()
	}
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

// harness wires a scheduler for deterministic single-goroutine tests:
// fetches run synchronously and results are handled inline, so every test
// drives the funnel itself.
type harness struct {
	s     *Scheduler
	store *store.Store
	edits *conflict.Registry
	now   time.Time
	warns *countingHandler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: store.NewStore(),
		now:   time.Unix(1_700_000_000, 0),
		warns: &countingHandler{},
	}
	h.edits = conflict.NewRegistry(conflict.WithClock(func() time.Time { return h.now }))
	opts = append([]Option{WithClock(func() time.Time { return h.now })}, opts...)
	h.s = New(h.store, h.edits, slog.New(h.warns), opts...)
	h.s.spawn = func(fn func()) { fn() }
	h.s.deliver = h.s.handleResult
	return h
}

func (h *harness) add(spec Spec, sink Sink) {
	h.s.handle(evAdd{spec: spec, sink: sink})
}

func (h *harness) tick() {
	h.s.handleTick(h.now)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func batterySpec(src source.Source) Spec {
	return Spec{
		Widget: "battery",
		Field:  "level",
		Source: src,
		Policy: RefreshPolicy{Base: 5 * time.Second, Visible: 5 * time.Second, Idle: 60 * time.Second, BackoffMultiplier: 2},
		TTL:    5 * time.Second,
	}
}

func TestFirstFetchApplies(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	sink := &recordingSink{}
	h.add(batterySpec(src), sink)

	h.tick()

	calls := sink.calls()
	if len(calls) != 1 {
		t.Fatalf("sink received %d applies, want 1", len(calls))
	}
	if calls[0].widget != "battery" || calls[0].field != "level" || calls[0].value.(int) != 80 {
		t.Errorf("apply = %+v, want battery/level/80", calls[0])
	}
	if !h.store.IsFresh(store.Key(source.KeyBatteryLevel), h.now) {
		t.Error("store not fresh after fetch")
	}
}

// The battery scenario: unchanged results back the interval off, a change
// resets it and reaches the sink.
func TestBackoffOnUnchangedResetOnChange(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	sink := &recordingSink{}
	h.add(batterySpec(src), sink)

	h.tick() // t=0: fetch, 80, applied
	if got := src.CallCount(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	h.advance(5 * time.Second)
	h.tick() // t=5: fetch, still 80 -> unchanged=1, backoff to 10s
	if got := src.CallCount(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
	if len(sink.calls()) != 1 {
		t.Fatalf("unchanged result reached the sink")
	}

	h.advance(5 * time.Second)
	h.tick() // t=10: only 5s since last poll, interval is now 10s -> no fetch
	if got := src.CallCount(); got != 2 {
		t.Fatalf("fetches = %d at t=10, want 2 (backed off)", got)
	}

	src.SetValue(79)
	h.advance(5 * time.Second)
	h.tick() // t=15: 10s elapsed -> fetch, 79 -> change applies, backoff resets
	if got := src.CallCount(); got != 3 {
		t.Fatalf("fetches = %d at t=15, want 3", got)
	}
	calls := sink.calls()
	if len(calls) != 2 || calls[1].value.(int) != 79 {
		t.Fatalf("sink calls = %+v, want second apply of 79", calls)
	}

	k := entryKey{widget: "battery", key: source.KeyBatteryLevel}
	e := h.s.entries[k]
	if e.unchanged != 0 {
		t.Errorf("unchanged = %d after change, want 0", e.unchanged)
	}
	if got := h.s.intervalFor(e); got != 5*time.Second {
		t.Errorf("next interval = %v after change, want base 5s", got)
	}
}

func TestFreshValueSkipsFetch(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	spec := batterySpec(src)
	spec.TTL = time.Minute
	h.add(spec, &recordingSink{})

	h.tick()
	h.advance(10 * time.Second)
	h.tick() // interval elapsed but TTL has not: no refetch

	if got := src.CallCount(); got != 1 {
		t.Errorf("fetches = %d, want 1 while value is fresh", got)
	}
}

// A fetch completing while the user edits is cached but not projected; the
// value lands when the edit ends.
func TestConflictSuppression(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyAudioVolume, source.WithValue(40))
	sink := &recordingSink{}
	h.add(Spec{
		Widget: "sound",
		Field:  "volume",
		Source: src,
		Policy: RefreshPolicy{Base: 2 * time.Second, Idle: 30 * time.Second},
		TTL:    2 * time.Second,
	}, sink)

	h.edits.BeginEdit("sound", "volume")
	h.tick()

	if len(sink.calls()) != 0 {
		t.Fatal("suppressed value reached the sink during edit")
	}
	if v, ok := store.GetTyped[int](h.store, store.Key(source.KeyAudioVolume)); !ok || v != 40 {
		t.Fatalf("store = %v, %v; want suppressed value cached", v, ok)
	}

	h.edits.EndEdit("sound", "volume")
	h.s.handle(evEditEnded{widget: "sound", field: "volume"})

	calls := sink.calls()
	if len(calls) != 1 || calls[0].value.(int) != 40 {
		t.Fatalf("sink calls = %+v, want 40 applied after edit end", calls)
	}
}

func TestGraceExpiryFlushesSuppressedValue(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyAudioVolume, source.WithValue(40))
	sink := &recordingSink{}
	h.add(Spec{
		Widget: "sound",
		Field:  "volume",
		Source: src,
		Policy: RefreshPolicy{Base: 2 * time.Second, Idle: 30 * time.Second},
		TTL:    2 * time.Second,
	}, sink)

	// The edit begins but its end event is lost: no EndEdit, no
	// NotifyEditEnded. The grace period alone clears the flag.
	h.edits.BeginEdit("sound", "volume")
	h.tick()

	if len(sink.calls()) != 0 {
		t.Fatal("suppressed value reached the sink during edit")
	}

	// Past the 5s grace the flag reads clear and the next tick must
	// project the cached value even though every subsequent poll returns
	// the same 40 and counts as unchanged.
	h.advance(6 * time.Second)
	h.tick()

	calls := sink.calls()
	if len(calls) != 1 || calls[0].value.(int) != 40 {
		t.Fatalf("sink calls = %+v, want cached 40 flushed after grace expiry", calls)
	}

	k := entryKey{widget: "sound", key: source.KeyAudioVolume}
	if h.s.entries[k].pending {
		t.Error("entry still pending after flush")
	}

	// Further unchanged polls must not re-apply.
	h.advance(6 * time.Second)
	h.tick()
	h.advance(6 * time.Second)
	h.tick()
	if got := len(sink.calls()); got != 1 {
		t.Errorf("sink received %d applies, want the single flush", got)
	}
}

func TestUnchangedResultFlushesExpiredSuppression(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyAudioVolume, source.WithValue(40))
	sink := &recordingSink{}
	h.add(Spec{Widget: "sound", Field: "volume", Source: src, TTL: time.Second}, sink)

	h.edits.BeginEdit("sound", "volume")
	h.tick()
	if len(sink.calls()) != 0 {
		t.Fatal("suppressed value reached the sink during edit")
	}

	// Deliver the next poll's result directly with the flag already
	// expired: the unchanged comparison alone must not swallow the flush.
	h.advance(6 * time.Second)
	k := entryKey{widget: "sound", key: source.KeyAudioVolume}
	gen := h.s.entries[k].gen
	h.s.handleResult(evResult{key: k, gen: gen, value: 40, fetchedAt: h.now})

	calls := sink.calls()
	if len(calls) != 1 || calls[0].value.(int) != 40 {
		t.Fatalf("sink calls = %+v, want pending 40 flushed on unchanged result", calls)
	}
}

func TestOutOfOrderResultDiscarded(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyAudioVolume)
	sink := &recordingSink{}
	h.add(Spec{Widget: "sound", Field: "volume", Source: src, TTL: time.Second}, sink)

	k := entryKey{widget: "sound", key: source.KeyAudioVolume}
	gen := h.s.entries[k].gen
	base := h.now

	// Newer fetch lands first.
	h.s.handleResult(evResult{key: k, gen: gen, value: 60, fetchedAt: base.Add(3 * time.Second)})
	// The older one straggles in afterwards and must be dropped.
	h.s.handleResult(evResult{key: k, gen: gen, value: 40, fetchedAt: base.Add(1 * time.Second)})

	if v, _ := store.GetTyped[int](h.store, store.Key(source.KeyAudioVolume)); v != 60 {
		t.Errorf("store = %d, want 60 (older result discarded)", v)
	}
	calls := sink.calls()
	if len(calls) != 1 || calls[0].value.(int) != 60 {
		t.Errorf("sink calls = %+v, want single apply of 60", calls)
	}
}

func TestRemoveDropsInFlightResult(t *testing.T) {
	h := newHarness(t)

	// Defer fetch execution so the widget can be destroyed mid-flight.
	var pending []func()
	h.s.spawn = func(fn func()) { pending = append(pending, fn) }

	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	sink := &recordingSink{}
	h.add(batterySpec(src), sink)

	h.tick()
	if len(pending) != 1 {
		t.Fatalf("pending fetches = %d, want 1", len(pending))
	}

	h.s.handle(evRemove{widget: "battery"})
	pending[0]() // fetch completes after destruction

	if len(sink.calls()) != 0 {
		t.Error("in-flight result applied to a destroyed widget")
	}
	if _, ok := h.store.Get(store.Key(source.KeyBatteryLevel)); ok {
		t.Error("in-flight result cached for a destroyed widget")
	}
}

// show on a widget with a 60s-stale cache must fetch before first paint.
func TestVisibilityForcesImmediatePoll(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyAudioVolume, source.WithValue(60))
	sink := &recordingSink{}
	h.add(Spec{
		Widget: "sound",
		Field:  "volume",
		Source: src,
		Policy: RefreshPolicy{Base: 5 * time.Second, Idle: 60 * time.Second},
		TTL:    5 * time.Second,
	}, sink)

	// Seed a stale cache entry from a minute ago.
	h.store.Put(store.Key(source.KeyAudioVolume), 35, h.now.Add(-60*time.Second), 5*time.Second)

	h.s.handle(evVisible{widget: "sound", visible: true})

	if got := src.CallCount(); got != 1 {
		t.Fatalf("fetches = %d after show, want 1", got)
	}
	calls := sink.calls()
	if len(calls) != 1 || calls[0].value.(int) != 60 {
		t.Fatalf("sink calls = %+v, want fresh 60, not the stale 35", calls)
	}
}

func TestForceRefreshBypassesFreshness(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	spec := batterySpec(src)
	spec.TTL = time.Hour
	h.add(spec, &recordingSink{})

	h.tick()
	h.s.handle(evForce{widget: "battery"})

	if got := src.CallCount(); got != 2 {
		t.Errorf("fetches = %d, want 2 (force bypasses freshness)", got)
	}
}

func TestFailureBackoffAndEscalation(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel,
		source.WithError(source.Unavailable(source.KeyBatteryLevel, errors.New("no battery"))))
	sink := &recordingSink{}
	h.add(batterySpec(src), sink)

	k := entryKey{widget: "battery", key: source.KeyBatteryLevel}
	e := h.s.entries[k]

	h.tick() // failure 1
	if got := h.s.intervalFor(e); got != 10*time.Second {
		t.Errorf("interval after 1 failure = %v, want 10s", got)
	}

	h.advance(10 * time.Second)
	h.tick() // failure 2
	h.advance(20 * time.Second)
	h.tick() // failure 3: escalation threshold

	if got := h.s.intervalFor(e); got != 60*time.Second {
		t.Errorf("interval after %d failures = %v, want idle 60s", e.failures, got)
	}

	// Visibility no longer shortens the interval for a structurally absent
	// source.
	e.visible = true
	if got := h.s.intervalFor(e); got != 60*time.Second {
		t.Errorf("visible interval after escalation = %v, want idle 60s", got)
	}

	if len(sink.calls()) != 0 {
		t.Error("failed fetches reached the sink")
	}
}

func TestFailureRunResetsOnSuccess(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyBatteryLevel,
		source.WithError(source.Timeout(source.KeyBatteryLevel, errors.New("slow"))))
	h.add(batterySpec(src), &recordingSink{})

	k := entryKey{widget: "battery", key: source.KeyBatteryLevel}
	e := h.s.entries[k]

	h.tick()
	if e.failures != 1 {
		t.Fatalf("failures = %d, want 1", e.failures)
	}

	src.SetError(nil)
	src.SetValue(80)
	h.advance(10 * time.Second)
	h.tick()

	if e.failures != 0 {
		t.Errorf("failures = %d after success, want 0", e.failures)
	}
}

func TestRepeatedErrorLoggedOnce(t *testing.T) {
	h := newHarness(t)
	src := source.NewMockSource(source.KeyNetworkLink,
		source.WithError(source.ParseError(source.KeyNetworkLink, errors.New("garbage"))))
	spec := Spec{
		Widget: "network",
		Field:  "link",
		Source: src,
		Policy: RefreshPolicy{Base: time.Second, Idle: time.Hour, BackoffMultiplier: 1},
	}
	h.add(spec, &recordingSink{})

	// Multiplier 1 keeps the schedule flat until escalation kicks in.
	for i := 0; i < 4; i++ {
		h.tick()
		h.advance(time.Hour)
	}
	if h.warns.warns != 1 {
		t.Errorf("warns = %d for a repeated identical error, want 1", h.warns.warns)
	}

	src.SetError(source.ParseError(source.KeyNetworkLink, errors.New("different garbage")))
	h.tick()
	if h.warns.warns != 2 {
		t.Errorf("warns = %d after error changed, want 2", h.warns.warns)
	}
}

func TestRunProcessesPostedEvents(t *testing.T) {
	st := store.NewStore()
	edits := conflict.NewRegistry()
	s := New(st, edits, slog.New(&countingHandler{}))

	src := source.NewMockSource(source.KeyBatteryLevel, source.WithValue(80))
	sink := &recordingSink{}
	s.Add(Spec{
		Widget: "battery",
		Field:  "level",
		Source: src,
		Policy: RefreshPolicy{Base: 10 * time.Millisecond, Idle: time.Second},
		TTL:    10 * time.Millisecond,
	}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for len(sink.calls()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no apply within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
