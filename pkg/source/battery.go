package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPowerSupplyRoot is where the kernel exposes battery state.
const DefaultPowerSupplyRoot = "/sys/class/power_supply"

// BatteryStatus is the value produced by the battery level source.
type BatteryStatus struct {
	Percent  int    `json:"percent"`
	State    string `json:"state"` // "Charging", "Discharging", "Full", ...
	Charging bool   `json:"charging"`
}

// BatterySource reads battery charge from sysfs. Desktops without a battery
// report Unavailable, which the scheduler escalates to the idle interval so
// a structurally absent source stops costing work.
type BatterySource struct {
	root string
}

// NewBatterySource creates a battery source rooted at the given sysfs
// directory. An empty root uses DefaultPowerSupplyRoot.
func NewBatterySource(root string) *BatterySource {
	if root == "" {
		root = DefaultPowerSupplyRoot
	}
	return &BatterySource{root: root}
}

// Key returns the battery level key.
func (s *BatterySource) Key() Key { return KeyBatteryLevel }

// Fetch locates the first BAT* supply and reads its capacity and status.
func (s *BatterySource) Fetch(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := s.findBattery()
	if err != nil {
		return nil, Unavailable(KeyBatteryLevel, err)
	}

	capRaw, err := os.ReadFile(filepath.Join(dir, "capacity"))
	if err != nil {
		return nil, Unavailable(KeyBatteryLevel, err)
	}
	percent, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
	if err != nil {
		return nil, ParseError(KeyBatteryLevel, fmt.Errorf("capacity %q: %w", capRaw, err))
	}

	state := "Unknown"
	if raw, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
		state = strings.TrimSpace(string(raw))
	}

	return BatteryStatus{
		Percent:  percent,
		State:    state,
		Charging: state == "Charging" || state == "Full",
	}, nil
}

// findBattery returns the first power supply directory named BAT*.
func (s *BatterySource) findBattery() (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "BAT") {
			return filepath.Join(s.root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no battery under %s", s.root)
}
