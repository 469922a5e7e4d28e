package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// LinkStatus is the value produced by the network link source.
type LinkStatus struct {
	Connected bool   `json:"connected"`
	Type      string `json:"type"`   // "802-11-wireless", "802-3-ethernet", ...
	Name      string `json:"name"`   // active connection name (SSID for wifi)
	Wireless  bool   `json:"wireless"`
	Signal    int    `json:"signal"` // 0-100, wifi only
}

// NetworkSource reports the active NetworkManager connection via nmcli.
type NetworkSource struct {
	run CommandRunner
}

// NewNetworkSource creates a network link source backed by the given
// runner. A nil runner uses ExecRunner defaults.
func NewNetworkSource(run CommandRunner) *NetworkSource {
	if run == nil {
		run = ExecRunner{}
	}
	return &NetworkSource{run: run}
}

// Key returns the network link key.
func (s *NetworkSource) Key() Key { return KeyNetworkLink }

// Fetch queries nmcli for the active connection and, for wifi links, the
// signal strength.
func (s *NetworkSource) Fetch(ctx context.Context) (any, error) {
	out, err := s.run.Output(ctx, "nmcli", "-t", "-f", "TYPE,NAME,STATE", "connection", "show", "--active")
	if err != nil {
		return nil, classifyRunError(KeyNetworkLink, err)
	}

	status, err := parseActiveConnections(out)
	if err != nil {
		return nil, ParseError(KeyNetworkLink, err)
	}

	if status.Wireless {
		// Signal strength is best effort; a failed query leaves it at 0.
		if sigOut, sigErr := s.run.Output(ctx, "nmcli", "-t", "-f", "ACTIVE,SIGNAL", "dev", "wifi"); sigErr == nil {
			status.Signal = parseWifiSignal(sigOut)
		}
	}

	return status, nil
}

// parseActiveConnections picks the primary link out of nmcli's terse
// "TYPE:NAME:STATE" listing. Loopback and virtual links are skipped;
// an empty listing means disconnected, not an error.
func parseActiveConnections(out string) (LinkStatus, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return LinkStatus{}, fmt.Errorf("malformed nmcli line %q", line)
		}
		connType, name, state := parts[0], parts[1], parts[2]
		switch connType {
		case "loopback", "bridge", "tun":
			continue
		}
		if state != "activated" {
			continue
		}
		return LinkStatus{
			Connected: true,
			Type:      connType,
			Name:      name,
			Wireless:  strings.Contains(connType, "wireless"),
		}, nil
	}
	return LinkStatus{}, nil
}

// parseWifiSignal finds the "ACTIVE:SIGNAL" row for the connected AP.
func parseWifiSignal(out string) int {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 || parts[0] != "yes" {
			continue
		}
		if sig, err := strconv.Atoi(parts[1]); err == nil {
			return sig
		}
	}
	return 0
}
