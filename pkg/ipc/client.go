package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultClientTimeout bounds the whole round trip of one control
// command, dialing included.
const DefaultClientTimeout = 2 * time.Second

// Client sends control requests to a running panel over its unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the socket at socketPath. A zero or
// negative timeout uses DefaultClientTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Send performs one request/response exchange. A dial failure means no
// panel owns the socket and is reported as ErrPanelNotRunning.
func (c *Client) Send(req Request) (Response, error) {
	deadline := time.Now().Add(c.timeout)

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s", ErrPanelNotRunning, c.socketPath)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(conn, "%s\n", req.Encode()); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		return Response{}, fmt.Errorf("connection closed without response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
