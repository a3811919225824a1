// Command voicelink is a realtime voice-assistant client: it streams the
// microphone to a realtime backend and plays the spoken replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/status"
	"github.com/MrWong99/voicelink/internal/voice"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", config.DefaultWatchInterval, "config reload poll interval (0 disables hot reload)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"dialect", cfg.Backend.Dialect,
		"audio_backend", cfg.Audio.Backend,
		"status_addr", cfg.Server.StatusAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)
	devices, err := reg.CreateDevices(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio devices", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}
	defer func() {
		if err := devices.Close(); err != nil {
			slog.Warn("audio backend close", "err", err)
		}
	}()

	// ── Voice session ─────────────────────────────────────────────────────────
	sessCfg, err := sessionConfig(cfg, devices, metrics)
	if err != nil {
		slog.Error("invalid session configuration", "err", err)
		return 1
	}
	sess, err := voice.New(sessCfg)
	if err != nil {
		slog.Error("failed to create voice session", "err", err)
		return 1
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("voice session close", "err", err)
		}
	}()
	sess.OnTranscriptUpdate(logTranscript)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
			applyDiff(config.Diff(old, updated), updated, level, sess)
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer w.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.StatusAddr != "" {
		var checkers []health.Checker
		if cfg.Backend.HealthURL != "" {
			checkers = append(checkers, health.Checker{
				Name:    "backend",
				Timeout: cfg.Backend.HealthTimeout,
				Check:   health.HTTPCheck(nil, cfg.Backend.HealthURL),
			})
		}
		srv := status.New(status.Config{
			Addr:     cfg.Server.StatusAddr,
			Session:  sess,
			Checkers: checkers,
			Metrics:  metrics,
		})
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}

	g.Go(func() error {
		if err := sess.Start(gctx); err != nil {
			return err
		}
		slog.Info("voice session connected; press Ctrl+C to quit", "session_id", sess.ID())
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("voicelink stopped", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
