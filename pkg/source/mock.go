package source

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockSource implements Source for testing. All fields are configurable and
// it tracks how many times Fetch has been called.
type MockSource struct {
	key   Key
	mu    sync.RWMutex
	value any
	err   error

	callCount atomic.Int64

	// FetchFunc, if set, overrides the default Fetch behavior so tests can
	// return different values per call or block until signaled.
	FetchFunc func(ctx context.Context) (any, error)
}

// MockOption configures a MockSource.
type MockOption func(*MockSource)

// WithValue sets the value returned by Fetch.
func WithValue(v any) MockOption {
	return func(m *MockSource) { m.value = v }
}

// WithError sets the error returned by Fetch.
func WithError(err error) MockOption {
	return func(m *MockSource) { m.err = err }
}

// WithFetchFunc sets a custom function for Fetch.
func WithFetchFunc(fn func(ctx context.Context) (any, error)) MockOption {
	return func(m *MockSource) { m.FetchFunc = fn }
}

// NewMockSource creates a mock source for the given key.
func NewMockSource(key Key, opts ...MockOption) *MockSource {
	m := &MockSource{key: key}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the configured key.
func (m *MockSource) Key() Key { return m.key }

// SetValue updates the returned value (thread-safe).
func (m *MockSource) SetValue(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
}

// SetError updates the returned error (thread-safe).
func (m *MockSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Fetch returns the configured value and error, or delegates to FetchFunc.
func (m *MockSource) Fetch(ctx context.Context) (any, error) {
	m.callCount.Add(1)

	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value, m.err
}

// CallCount returns how many times Fetch has been called.
func (m *MockSource) CallCount() int64 {
	return m.callCount.Load()
}
