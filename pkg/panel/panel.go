// Package panel tracks the widgets of a running panel: which ones exist,
// whether their popovers are visible, and how user edits on their controls
// interact with background refreshes. The external control channel and the
// scheduler both act on widget state only through this registry.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/billygrant24/niri-panel/pkg/conflict"
)

// ErrUnknownWidget is returned for operations naming a widget that was
// never registered. The control channel surfaces it to callers as exit
// code 1.
var ErrUnknownWidget = errors.New("unknown widget")

// KnownWidgets is the full widget inventory of the panel, in sorted order.
// Only some of them carry data sources; the rest are static and only have
// visibility state.
var KnownWidgets = []string{
	"battery",
	"bluetooth",
	"clock",
	"git",
	"launcher",
	"network",
	"places",
	"power",
	"search",
	"secrets",
	"servers",
	"sound",
}

// WidgetStatus is one row of a list response.
type WidgetStatus struct {
	ID      string `json:"id"`
	Visible bool   `json:"visible"`
}

// Refresher is the scheduler surface the registry drives. Implemented by
// *scheduler.Scheduler.
type Refresher interface {
	SetVisible(widget string, visible bool)
	ForceRefresh(widget string)
	NotifyEditEnded(widget, field string)
	Remove(widget string)
}

// VolumeControl is the mixer write path, implemented by
// *source.AudioSource.
type VolumeControl interface {
	SetVolume(ctx context.Context, percent int) error
	SetMuted(ctx context.Context, muted bool) error
}

// BrightnessControl is the backlight write path, implemented by
// *source.BrightnessSource.
type BrightnessControl interface {
	SetPercent(ctx context.Context, percent int) error
}

type widgetEntry struct {
	visible bool
}

// Registry holds per-widget visibility and glues user edits to the
// conflict flags and the scheduler. Safe for concurrent use; the control
// channel and the UI input path both call into it.
type Registry struct {
	refresher Refresher
	edits     *conflict.Registry
	logger    *slog.Logger

	volume     VolumeControl
	brightness BrightnessControl

	mu      sync.Mutex
	widgets map[string]*widgetEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithVolumeControl wires the mixer write path.
func WithVolumeControl(vc VolumeControl) Option {
	return func(r *Registry) { r.volume = vc }
}

// WithBrightnessControl wires the backlight write path.
func WithBrightnessControl(bc BrightnessControl) Option {
	return func(r *Registry) { r.brightness = bc }
}

// NewRegistry creates an empty registry. refresher may be nil when no
// dynamic widgets will be registered. A nil logger uses slog.Default().
func NewRegistry(refresher Refresher, edits *conflict.Registry, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		refresher: refresher,
		edits:     edits,
		logger:    logger,
		widgets:   make(map[string]*widgetEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a widget. It returns an error if the id is already
// registered.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.widgets[id]; exists {
		return fmt.Errorf("widget %q already registered", id)
	}
	r.widgets[id] = &widgetEntry{}
	return nil
}

// Unregister removes a widget and tears down its scheduled sources. It is
// a no-op if the id is not registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, existed := r.widgets[id]
	delete(r.widgets, id)
	r.mu.Unlock()

	if existed && r.refresher != nil {
		r.refresher.Remove(id)
	}
}

// Show makes the widget's popover visible, forcing an immediate refresh so
// the first paint is fresh. Showing an already-visible widget is a no-op
// success.
func (r *Registry) Show(id string) error {
	r.mu.Lock()
	w, ok := r.widgets[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWidget, id)
	}
	already := w.visible
	w.visible = true
	r.mu.Unlock()

	if already {
		return nil
	}
	r.logger.Debug("showing widget", "widget", id)
	if r.refresher != nil {
		// SetVisible(true) forces the out-of-cadence poll before the
		// popover paints.
		r.refresher.SetVisible(id, true)
	}
	return nil
}

// Hide dismisses the widget's popover. Hiding an already-hidden widget is
// a no-op success.
func (r *Registry) Hide(id string) error {
	r.mu.Lock()
	w, ok := r.widgets[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWidget, id)
	}
	wasVisible := w.visible
	w.visible = false
	r.mu.Unlock()

	if !wasVisible {
		return nil
	}
	r.logger.Debug("hiding widget", "widget", id)
	if r.refresher != nil {
		r.refresher.SetVisible(id, false)
	}
	return nil
}

// Toggle shows a hidden widget and hides a visible one.
func (r *Registry) Toggle(id string) error {
	r.mu.Lock()
	w, ok := r.widgets[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWidget, id)
	}
	visible := w.visible
	r.mu.Unlock()

	if visible {
		return r.Hide(id)
	}
	return r.Show(id)
}

// Visible reports the widget's popover visibility.
func (r *Registry) Visible(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.widgets[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWidget, id)
	}
	return w.visible, nil
}

// List returns the status of every registered widget, sorted by id.
func (r *Registry) List() []WidgetStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WidgetStatus, 0, len(r.widgets))
	for id, w := range r.widgets {
		out = append(out, WidgetStatus{ID: id, Visible: w.visible})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BeginEdit marks a field as user-edited. It returns false when the change
// event is the echo of a value the panel itself just projected, which the
// caller should ignore.
func (r *Registry) BeginEdit(widget, field string) bool {
	if r.edits.State(widget, field) == conflict.ProgrammaticUpdate {
		return false
	}
	r.edits.BeginEdit(widget, field)
	return true
}

// EndEdit clears the edit flag and flushes any value that was cached while
// the edit was in flight.
func (r *Registry) EndEdit(widget, field string) {
	r.edits.EndEdit(widget, field)
	if r.refresher != nil {
		r.refresher.NotifyEditEnded(widget, field)
	}
}

// SetVolume applies a user-driven volume change under the edit lock.
func (r *Registry) SetVolume(ctx context.Context, percent int) error {
	if r.volume == nil {
		return fmt.Errorf("%w: sound", ErrUnknownWidget)
	}
	if !r.BeginEdit("sound", "volume") {
		return nil
	}
	defer r.EndEdit("sound", "volume")
	return r.volume.SetVolume(ctx, percent)
}

// SetMuted applies a user-driven mute toggle under the edit lock.
func (r *Registry) SetMuted(ctx context.Context, muted bool) error {
	if r.volume == nil {
		return fmt.Errorf("%w: sound", ErrUnknownWidget)
	}
	if !r.BeginEdit("sound", "mute") {
		return nil
	}
	defer r.EndEdit("sound", "mute")
	return r.volume.SetMuted(ctx, muted)
}

// SetBrightness applies a user-driven brightness change under the edit
// lock.
func (r *Registry) SetBrightness(ctx context.Context, percent int) error {
	if r.brightness == nil {
		return fmt.Errorf("%w: battery", ErrUnknownWidget)
	}
	if !r.BeginEdit("battery", "brightness") {
		return nil
	}
	defer r.EndEdit("battery", "brightness")
	return r.brightness.SetPercent(ctx, percent)
}
