// niri-panel is the adaptive refresh engine behind a desktop status panel.
//
// Run without arguments it becomes the panel daemon: it polls system data
// sources (network, audio, battery, backlight, system stats) on adaptive
// schedules, caches results, suppresses refreshes that would fight user
// edits, and listens on a unix socket for control commands.
//
// Run with a command it becomes the control client for an already-running
// panel.
//
// Usage:
//
//	niri-panel [flags]                   run the panel daemon
//	niri-panel [flags] show <widget>     show a widget popover
//	niri-panel [flags] hide <widget>     hide a widget popover
//	niri-panel [flags] toggle <widget>   toggle a widget popover
//	niri-panel [flags] list              list widgets and visibility
//
// Flags:
//
//	-config string  Path to configuration file (default: XDG search path)
//	-socket string  Control socket path override
//	-verbose        Enable verbose logging
//	-version        Print version and exit
//
// Exit codes for control commands: 0 success, 1 unknown widget, 2 panel
// not running, 3 malformed request.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/billygrant24/niri-panel/pkg/config"
	"github.com/billygrant24/niri-panel/pkg/conflict"
	"github.com/billygrant24/niri-panel/pkg/ipc"
	"github.com/billygrant24/niri-panel/pkg/panel"
	"github.com/billygrant24/niri-panel/pkg/scheduler"
	"github.com/billygrant24/niri-panel/pkg/source"
	"github.com/billygrant24/niri-panel/pkg/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// tickInterval is the scheduler's funnel granularity. The fastest
// configurable visible interval is 500ms, so 250ms keeps due polls from
// drifting more than half a period.
const tickInterval = 250 * time.Millisecond

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		socketPath  = flag.String("socket", "", "Control socket path override")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("niri-panel %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	sock := cfg.Panel.SocketPath
	if *socketPath != "" {
		sock = *socketPath
	}
	if sock == "" {
		sock = ipc.SocketPath()
	}

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runControl(args, sock))
	}

	os.Exit(runPanel(cfg, *configPath, sock, *verbose))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// runControl sends one control command to a running panel and prints the
// result.
func runControl(args []string, socketPath string) int {
	req, err := ipc.ParseRequest(strings.Join(args, " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ipc.ExitCode(err)
	}

	client := ipc.NewClient(socketPath, 0)
	resp, err := client.Send(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ipc.ExitCode(err)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "%s\n", resp.Error)
		return resp.Code
	}

	if req.Action == ipc.ActionList {
		for _, w := range resp.Widgets {
			state := "hidden"
			if w.Visible {
				state = "visible"
			}
			fmt.Printf("%s %s\n", w.ID, state)
		}
	}
	return ipc.CodeOK
}

// runPanel runs the panel daemon until SIGINT or SIGTERM.
func runPanel(cfg *config.Config, configPath, socketPath string, verbose bool) int {
	logger, closeLog, err := setupLogging(cfg, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeLog()

	if err := cfg.Validate(logger); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}

	pidPath := cfg.Panel.PIDFile
	if pidPath == "" {
		pidPath = ipc.PIDPath()
	}
	if err := ipc.AcquirePID(pidPath); err != nil {
		logger.Error("failed to acquire PID file", "error", err)
		return 1
	}
	defer ipc.ReleasePID(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	st := store.NewStore()

	var conflictOpts []conflict.Option
	if grace := cfg.Conflict.GracePeriod.Duration; grace > 0 {
		conflictOpts = append(conflictOpts, conflict.WithGracePeriod(grace))
	}
	edits := conflict.NewRegistry(conflictOpts...)

	sched := scheduler.New(st, edits, logger)

	runner := source.ExecRunner{}
	audio := source.NewAudioSource(runner)
	backlight := source.NewBrightnessSource("")

	registry := panel.NewRegistry(sched, edits, logger,
		panel.WithVolumeControl(audio),
		panel.WithBrightnessControl(backlight))
	for _, id := range panel.KnownWidgets {
		if err := registry.Register(id); err != nil {
			logger.Error("failed to register widget", "widget", id, "error", err)
			return 1
		}
	}

	sink := &logSink{logger: logger}
	scheduleSources(cfg, sched, sink, runner, audio, backlight)

	server := ipc.NewServer(socketPath, registry, logger)
	if err := server.Start(); err != nil {
		logger.Error("failed to start control server", "error", err)
		return 1
	}
	defer server.Stop()

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultPath()
	}
	go func() {
		err := config.Watch(ctx, watchPath, logger, func(next *config.Config) {
			scheduleSources(next, sched, sink, runner, audio, backlight)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	logger.Info("panel started", "version", version, "socket", socketPath)
	sched.Run(ctx, tickInterval)
	logger.Info("panel stopped")
	return 0
}

// scheduleSources binds each dynamic widget to its data sources with the
// configured refresh policies. Called again on config reload; re-adding a
// source replaces its schedule in place.
func scheduleSources(cfg *config.Config, sched *scheduler.Scheduler, sink scheduler.Sink,
	runner source.CommandRunner, audio *source.AudioSource, backlight *source.BrightnessSource) {

	add := func(widget, field string, src source.Source, key string) {
		rc := cfg.Refresh[key]
		sched.Add(scheduler.Spec{
			Widget: widget,
			Field:  field,
			Source: src,
			Policy: scheduler.RefreshPolicy{
				Base:              rc.Base.Duration,
				Visible:           rc.Visible.Duration,
				Idle:              rc.Idle.Duration,
				BackoffMultiplier: rc.BackoffMultiplier,
			},
			TTL:          rc.TTL.Duration,
			FetchTimeout: rc.Timeout.Duration,
		}, sink)
	}

	add("network", "link", source.NewNetworkSource(runner), config.RefreshNetwork)
	add("sound", "volume", audio, config.RefreshSound)
	add("battery", "level", source.NewBatterySource(""), config.RefreshBattery)
	add("battery", "brightness", backlight, config.RefreshBrightness)
	add("power", "stats", source.NewSystemStatsSource(), config.RefreshSystem)
}

// logSink projects applied values into the log. The renderer process
// consumes widget state out of band; the daemon's contract ends at a
// consistent, conflict-checked apply stream.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Apply(widget, field string, value any) {
	s.logger.Debug("widget update", "widget", widget, "field", field, "value", value)
}

// setupLogging builds the process logger: text handler on stderr, tee'd
// into the configured log file when one is set.
func setupLogging(cfg *config.Config, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Panel.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.Panel.LogFile != "" {
		f, err := os.OpenFile(cfg.Panel.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closeLog, nil
}
