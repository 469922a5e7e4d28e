package source

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure. The scheduler's backoff and retry policy
// keys off this.
type Kind int

const (
	// KindUnavailable means the device or service is absent. The last
	// cached value is retained and marked stale; no retry storm.
	KindUnavailable Kind = iota

	// KindTimeout means the external query exceeded its bound. Counts
	// toward backoff.
	KindTimeout

	// KindParse means the external query produced output we could not
	// understand. Logged once per distinct error, treated as unavailable
	// for the tick.
	KindParse
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	}
	return "unknown"
}

// FetchError is the classified failure returned by sources.
type FetchError struct {
	Kind   Kind
	Source Key
	Err    error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Unavailable wraps err as a device-absent failure for key.
func Unavailable(key Key, err error) error {
	return &FetchError{Kind: KindUnavailable, Source: key, Err: err}
}

// Timeout wraps err as a query-timeout failure for key.
func Timeout(key Key, err error) error {
	return &FetchError{Kind: KindTimeout, Source: key, Err: err}
}

// ParseError wraps err as a malformed-output failure for key.
func ParseError(key Key, err error) error {
	return &FetchError{Kind: KindParse, Source: key, Err: err}
}

// KindOf extracts the failure kind from err. Unclassified errors report as
// unavailable, the most conservative policy.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnavailable
}
