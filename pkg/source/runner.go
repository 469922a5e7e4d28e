package source

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner runs an external command and returns its trimmed stdout.
// Subprocess-backed sources take this as a dependency so tests can stub the
// system tools.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// DefaultCommandTimeout bounds every subprocess query. The original panel
// wrapped each nmcli call in `timeout 0.5`; here the bound is carried by
// the context.
const DefaultCommandTimeout = 2 * time.Second

// ExecRunner runs commands via os/exec with a per-invocation timeout.
type ExecRunner struct {
	// Timeout bounds each command. Zero means DefaultCommandTimeout.
	Timeout time.Duration
}

// Output runs the command and returns trimmed stdout. Failures come back
// classified: a missing binary or non-zero exit is ErrToolUnavailable, an
// exceeded deadline is ErrToolTimeout. Sources wrap these into FetchErrors
// with their own key.
func (r ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrToolTimeout
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrToolUnavailable
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", ErrToolUnavailable
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Sentinel results from CommandRunner implementations, classified by the
// calling source into its own FetchError.
var (
	ErrToolUnavailable = errors.New("tool unavailable")
	ErrToolTimeout     = errors.New("tool timed out")
)

// classifyRunError turns a CommandRunner failure into a FetchError for key.
func classifyRunError(key Key, err error) error {
	switch {
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout(key, err)
	default:
		return Unavailable(key, err)
	}
}
