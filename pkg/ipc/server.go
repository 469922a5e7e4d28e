package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/billygrant24/niri-panel/pkg/panel"
)

// Handler is the widget-control surface the server dispatches to.
// Implemented by *panel.Registry. Every effect happens inside the panel
// process; the server only transports requests and responses.
type Handler interface {
	Show(id string) error
	Hide(id string) error
	Toggle(id string) error
	List() []panel.WidgetStatus
}

// Server listens on a unix socket for control requests.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	// Per-target last-wins coalescing: each arriving request bumps the
	// target's sequence number; a request that is no longer the newest by
	// the time it would run reports success without applying.
	mu    sync.Mutex
	seq   map[string]uint64
	locks map[string]*sync.Mutex
}

// NewServer creates a control server listening at socketPath, dispatching
// to handler. A nil logger uses slog.Default().
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
		done:       make(chan struct{}),
		seq:        make(map[string]uint64),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Start begins accepting connections. Any stale socket file is removed
// first; the new socket is restricted to the owner.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.logger.Info("control socket listening", "path", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop shuts the server down: the listener closes, active connections
// drain, and the socket file is removed. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves one request: read a line, dispatch, answer with one
// JSON line.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	req, err := ParseRequest(scanner.Text())
	if err != nil {
		s.respond(conn, Response{OK: false, Code: CodeMalformed, Error: err.Error()})
		return
	}

	s.respond(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	if req.Action == ActionList {
		return Response{OK: true, Widgets: s.handler.List()}
	}

	my, lock := s.enter(req.Target)
	lock.Lock()
	defer lock.Unlock()

	if s.latest(req.Target) != my {
		// A newer request for this widget arrived while we waited; it
		// carries the effect.
		s.logger.Debug("control request superseded", "action", req.Action, "widget", req.Target)
		return Response{OK: true, Superseded: true}
	}

	var err error
	switch req.Action {
	case ActionShow:
		err = s.handler.Show(req.Target)
	case ActionHide:
		err = s.handler.Hide(req.Target)
	case ActionToggle:
		err = s.handler.Toggle(req.Target)
	}
	if err != nil {
		code := CodeNotRunning
		if errors.Is(err, panel.ErrUnknownWidget) {
			code = CodeUnknownWidget
		}
		return Response{OK: false, Code: code, Error: err.Error()}
	}
	return Response{OK: true}
}

// enter claims a sequence number for the target and returns its lock.
func (s *Server) enter(target string) (uint64, *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[target]++
	lock, ok := s.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[target] = lock
	}
	return s.seq[target], lock
}

func (s *Server) latest(target string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[target]
}

func (s *Server) respond(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal control response", "error", err)
		return
	}
	fmt.Fprintf(conn, "%s\n", data)
}
