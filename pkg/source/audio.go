package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AudioState is the value produced by the audio volume source.
type AudioState struct {
	Volume int  `json:"volume"` // 0-100 (may exceed 100 with overdrive)
	Muted  bool `json:"muted"`
}

// AudioSource reads and adjusts the default sink via wpctl, falling back to
// pactl on systems without wireplumber. The same source carries the write
// paths used by the slider edit flow.
type AudioSource struct {
	run CommandRunner
}

// NewAudioSource creates an audio source backed by the given runner. A nil
// runner uses ExecRunner defaults.
func NewAudioSource(run CommandRunner) *AudioSource {
	if run == nil {
		run = ExecRunner{}
	}
	return &AudioSource{run: run}
}

// Key returns the audio volume key.
func (s *AudioSource) Key() Key { return KeyAudioVolume }

// Fetch reads the current volume and mute state of the default sink.
func (s *AudioSource) Fetch(ctx context.Context) (any, error) {
	out, err := s.run.Output(ctx, "wpctl", "get-volume", "@DEFAULT_AUDIO_SINK@")
	if err == nil {
		state, perr := parseWpctlVolume(out)
		if perr != nil {
			return nil, ParseError(KeyAudioVolume, perr)
		}
		return state, nil
	}
	if !errors.Is(err, ErrToolUnavailable) {
		return nil, classifyRunError(KeyAudioVolume, err)
	}

	// wpctl missing entirely: try the pulseaudio CLI.
	return s.fetchPactl(ctx)
}

func (s *AudioSource) fetchPactl(ctx context.Context) (any, error) {
	volOut, err := s.run.Output(ctx, "pactl", "get-sink-volume", "@DEFAULT_SINK@")
	if err != nil {
		return nil, classifyRunError(KeyAudioVolume, err)
	}
	volume, perr := parsePactlVolume(volOut)
	if perr != nil {
		return nil, ParseError(KeyAudioVolume, perr)
	}

	muted := false
	if muteOut, err := s.run.Output(ctx, "pactl", "get-sink-mute", "@DEFAULT_SINK@"); err == nil {
		muted = strings.Contains(muteOut, "yes")
	}

	return AudioState{Volume: volume, Muted: muted}, nil
}

// SetVolume sets the default sink volume to the given percentage.
func (s *AudioSource) SetVolume(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	arg := fmt.Sprintf("%d%%", percent)
	if _, err := s.run.Output(ctx, "wpctl", "set-volume", "@DEFAULT_AUDIO_SINK@", arg); err == nil {
		return nil
	} else if !errors.Is(err, ErrToolUnavailable) {
		return classifyRunError(KeyAudioVolume, err)
	}
	if _, err := s.run.Output(ctx, "pactl", "set-sink-volume", "@DEFAULT_SINK@", arg); err != nil {
		return classifyRunError(KeyAudioVolume, err)
	}
	return nil
}

// SetMuted mutes or unmutes the default sink.
func (s *AudioSource) SetMuted(ctx context.Context, muted bool) error {
	wpctlArg, pactlArg := "0", "0"
	if muted {
		wpctlArg, pactlArg = "1", "1"
	}
	if _, err := s.run.Output(ctx, "wpctl", "set-mute", "@DEFAULT_AUDIO_SINK@", wpctlArg); err == nil {
		return nil
	} else if !errors.Is(err, ErrToolUnavailable) {
		return classifyRunError(KeyAudioVolume, err)
	}
	if _, err := s.run.Output(ctx, "pactl", "set-sink-mute", "@DEFAULT_SINK@", pactlArg); err != nil {
		return classifyRunError(KeyAudioVolume, err)
	}
	return nil
}

// parseWpctlVolume parses "Volume: 0.40" or "Volume: 0.40 [MUTED]".
func parseWpctlVolume(out string) (AudioState, error) {
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Volume:" {
		return AudioState{}, fmt.Errorf("unexpected wpctl output %q", out)
	}
	f, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return AudioState{}, fmt.Errorf("unexpected wpctl volume %q", fields[1])
	}
	return AudioState{
		Volume: int(f*100 + 0.5),
		Muted:  strings.Contains(out, "[MUTED]"),
	}, nil
}

// parsePactlVolume extracts the first "NN%" token from pactl's sink volume
// listing, e.g. "Volume: front-left: 26214 /  40% / -23.88 dB, ...".
func parsePactlVolume(out string) (int, error) {
	for _, field := range strings.Fields(out) {
		if !strings.HasSuffix(field, "%") {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimSuffix(field, "%")); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no volume percentage in pactl output %q", out)
}
