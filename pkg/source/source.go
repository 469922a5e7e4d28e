// Package source defines the data sources polled by the panel scheduler.
// Each source answers one external system query (link status, mixer volume,
// battery charge, backlight brightness) and returns a structured value or a
// classified FetchError. Backends are pluggable: the scheduler depends only
// on the Source interface, so a subprocess-backed query can be swapped for a
// native binding without touching the refresh logic.
package source

import (
	"context"
	"reflect"
)

// Key identifies one monitored quantity. Keys double as store keys.
type Key string

// The data source keys known to the panel.
const (
	KeyNetworkLink  Key = "network.link"
	KeyAudioVolume  Key = "audio.volume"
	KeyBatteryLevel Key = "battery.level"
	KeyBrightness   Key = "battery.brightness"
	KeySystemStats  Key = "system.stats"
)

// Source is the fetch contract the scheduler depends on. Fetch may block on
// process exit or file I/O; it is always invoked from a worker goroutine
// and must honor ctx cancellation. Implementations must not retain locks
// across the fetch.
type Source interface {
	// Key returns the data source key this source feeds.
	Key() Key

	// Fetch performs one external query and returns the structured value.
	// Errors should be FetchErrors so the scheduler can apply the right
	// backoff policy.
	Fetch(ctx context.Context) (any, error)
}

// Equaler is optionally implemented by sources whose values need a custom
// change comparison (for example ignoring a timestamp field). The scheduler
// falls back to reflect.DeepEqual.
type Equaler interface {
	Equal(a, b any) bool
}

// Equal compares two fetched values using the source's own comparison when
// available.
func Equal(src Source, a, b any) bool {
	if eq, ok := src.(Equaler); ok {
		return eq.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}
