// Package ipc implements the control channel between a running panel and
// the command-line invocations that summon or dismiss its widgets. The
// panel listens on a unix socket for line-based requests and answers each
// with a single JSON line; the client dials per command and fails fast
// with a distinct error when no panel is running.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/billygrant24/niri-panel/pkg/panel"
)

// Control actions.
const (
	ActionShow   = "show"
	ActionHide   = "hide"
	ActionToggle = "toggle"
	ActionList   = "list"
)

// Exit codes of the control protocol.
const (
	CodeOK            = 0
	CodeUnknownWidget = 1
	CodeNotRunning    = 2
	CodeMalformed     = 3
)

// Control-channel errors, surfaced verbatim to the external caller.
var (
	// ErrPanelNotRunning means no panel process is listening on the
	// control socket.
	ErrPanelNotRunning = errors.New("panel not running")

	// ErrMalformedRequest means the request line could not be understood.
	ErrMalformedRequest = errors.New("malformed request")
)

// Request is one control invocation. Created per round trip, never
// persisted.
type Request struct {
	Action string
	Target string
}

// Response is the JSON line the panel answers with.
type Response struct {
	OK    bool   `json:"ok"`
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	// Superseded marks a request that was replaced by a newer one for the
	// same target before it could run. The newer request carries the
	// effect; this one reports success without double-applying.
	Superseded bool `json:"superseded,omitempty"`

	// Widgets is populated for list responses, sorted by id.
	Widgets []panel.WidgetStatus `json:"widgets,omitempty"`
}

// ParseRequest parses one request line, e.g. "show sound" or "list".
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty line", ErrMalformedRequest)
	}

	action := strings.ToLower(fields[0])
	switch action {
	case ActionList:
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%w: list takes no argument", ErrMalformedRequest)
		}
		return Request{Action: ActionList}, nil
	case ActionShow, ActionHide, ActionToggle:
		if len(fields) != 2 {
			return Request{}, fmt.Errorf("%w: %s requires a widget id", ErrMalformedRequest, action)
		}
		return Request{Action: action, Target: fields[1]}, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown action %q", ErrMalformedRequest, fields[0])
	}
}

// Encode renders the request as its wire line.
func (r Request) Encode() string {
	if r.Target == "" {
		return r.Action
	}
	return r.Action + " " + r.Target
}

// ExitCode maps an error to the control protocol's exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, panel.ErrUnknownWidget):
		return CodeUnknownWidget
	case errors.Is(err, ErrMalformedRequest):
		return CodeMalformed
	default:
		// Transport failures count as "panel not reachable".
		return CodeNotRunning
	}
}

// SocketPath returns the control socket location:
// $NIRI_PANEL_SOCKET, else $XDG_RUNTIME_DIR/niri-panel.sock, else a
// per-user /tmp fallback.
func SocketPath() string {
	if p := os.Getenv("NIRI_PANEL_SOCKET"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "niri-panel.sock")
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "user"
	}
	return filepath.Join("/tmp", "runtime-"+user, "niri-panel.sock")
}
