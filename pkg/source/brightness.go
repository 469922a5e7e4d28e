package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultBacklightRoot is where the kernel exposes display backlights.
const DefaultBacklightRoot = "/sys/class/backlight"

// Brightness is the value produced by the backlight source.
type Brightness struct {
	Current int `json:"current"`
	Max     int `json:"max"`
	Percent int `json:"percent"`
}

// BrightnessSource reads and writes the first backlight device in sysfs.
// Writing requires the panel user to have write access to the brightness
// file (typically granted via a udev rule or the video group).
type BrightnessSource struct {
	root string
}

// NewBrightnessSource creates a backlight source rooted at the given sysfs
// directory. An empty root uses DefaultBacklightRoot.
func NewBrightnessSource(root string) *BrightnessSource {
	if root == "" {
		root = DefaultBacklightRoot
	}
	return &BrightnessSource{root: root}
}

// Key returns the brightness key.
func (s *BrightnessSource) Key() Key { return KeyBrightness }

// Fetch reads the current and maximum brightness of the first backlight.
func (s *BrightnessSource) Fetch(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := s.findBacklight()
	if err != nil {
		return nil, Unavailable(KeyBrightness, err)
	}

	cur, err := readSysfsInt(filepath.Join(dir, "brightness"))
	if err != nil {
		return nil, err
	}
	max, err := readSysfsInt(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return nil, err
	}

	b := Brightness{Current: cur, Max: max}
	if max > 0 {
		b.Percent = cur * 100 / max
	}
	return b, nil
}

// SetPercent writes a new brightness as a percentage of maximum.
func (s *BrightnessSource) SetPercent(ctx context.Context, percent int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	dir, err := s.findBacklight()
	if err != nil {
		return Unavailable(KeyBrightness, err)
	}
	max, err := readSysfsInt(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return err
	}

	raw := strconv.Itoa(max * percent / 100)
	if err := os.WriteFile(filepath.Join(dir, "brightness"), []byte(raw), 0o644); err != nil {
		return Unavailable(KeyBrightness, err)
	}
	return nil
}

// findBacklight returns the first backlight device directory.
func (s *BrightnessSource) findBacklight() (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		return filepath.Join(s.root, e.Name()), nil
	}
	return "", fmt.Errorf("no backlight under %s", s.root)
}

func readSysfsInt(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, Unavailable(KeyBrightness, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, ParseError(KeyBrightness, fmt.Errorf("%s: %q: %w", path, raw, err))
	}
	return v, nil
}
