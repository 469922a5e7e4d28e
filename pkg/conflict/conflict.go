// Package conflict tracks per-widget edit flags. While the user is dragging
// a slider or flipping a switch, background refreshes for that field are
// cached but not projected into the UI, so the panel never fights the user's
// hand. The original ad-hoc "updating" cells scattered across widget
// closures are replaced by this single registry.
package conflict

import (
	"sync"
	"time"
)

// State describes who currently owns a widget field.
type State int

const (
	// Idle means no edit is in flight; background updates apply normally.
	Idle State = iota

	// UserEditing means a user-initiated change is in flight. Background
	// fetches for the field are cached but suppressed.
	UserEditing

	// ProgrammaticUpdate means the panel itself is writing the field (for
	// example projecting a fetched volume into the slider). UI change
	// handlers use this to ignore their own echoes.
	ProgrammaticUpdate
)

// DefaultGracePeriod bounds how long an edit flag may stay set without
// EndEdit being called. A UI callback that never fires must not leave a
// widget permanently stuck.
const DefaultGracePeriod = 5 * time.Second

type editKey struct {
	widget string
	field  string
}

type edit struct {
	state State
	since time.Time
}

// Registry holds the edit flags for all widgets. It is safe for concurrent
// use; the scheduler funnel and the UI input path both consult it.
type Registry struct {
	grace time.Duration
	now   func() time.Time

	mu    sync.Mutex
	edits map[editKey]edit
}

// Option configures a Registry.
type Option func(*Registry)

// WithGracePeriod overrides the auto-clear grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithClock overrides the time source. Tests use this to expire flags
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a registry with the default grace period.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		grace: DefaultGracePeriod,
		now:   time.Now,
		edits: make(map[editKey]edit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginEdit marks a field as being edited by the user. Calling it again
// refreshes the grace deadline, so a long slider drag that keeps emitting
// change events stays locked.
func (r *Registry) BeginEdit(widget, field string) {
	r.set(widget, field, UserEditing)
}

// BeginProgrammatic marks a field as being written by the panel itself.
func (r *Registry) BeginProgrammatic(widget, field string) {
	r.set(widget, field, ProgrammaticUpdate)
}

func (r *Registry) set(widget, field string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits[editKey{widget, field}] = edit{state: s, since: r.now()}
}

// EndEdit clears the flag for a field. It is a no-op if no edit is in
// flight.
func (r *Registry) EndEdit(widget, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.edits, editKey{widget, field})
}

// IsEditing reports whether a user edit is in flight for the field. Flags
// older than the grace period read as idle and are cleared.
func (r *Registry) IsEditing(widget, field string) bool {
	return r.State(widget, field) == UserEditing
}

// State returns the current state for a field, lazily expiring flags that
// outlived the grace period.
func (r *Registry) State(widget, field string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := editKey{widget, field}
	e, ok := r.edits[k]
	if !ok {
		return Idle
	}
	if r.now().Sub(e.since) >= r.grace {
		delete(r.edits, k)
		return Idle
	}
	return e.state
}
