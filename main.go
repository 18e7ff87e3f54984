// Package main provides a live tempo monitor that captures audio from an input
// device or a WAV file and reports the beats per minute of every chunk.
//
// Usage:
//
//	tempo [-config path/to/config.json] [-log-level debug|info|warn|error]
//
// If -config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-tempo/internal/archive"
	"github.com/oszuidwest/zwfm-tempo/internal/audio"
	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/engine"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/notify"
	"github.com/oszuidwest/zwfm-tempo/internal/server"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	logLevelFlag := flag.String("log-level", "", "Log level: debug, info, warn or error (default: from config)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	level := snap.LogLevel
	if *logLevelFlag != "" {
		level = *logLevelFlag
	}
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		slog.Error("invalid log level", "level", level, "error", err)
		os.Exit(1)
	}

	logPath := snap.EventLogPath
	if logPath == "" {
		logPath = eventlog.DefaultLogPath(snap.WebPort)
	}
	if err := util.CheckPathWritable(filepath.Dir(logPath)); err != nil {
		slog.Warn("event log directory may not be writable", "path", logPath, "error", err)
	}
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		slog.Error("failed to open event log", "path", logPath, "error", err)
		os.Exit(1)
	}
	slog.Info("event log", "path", logPath)

	// FFmpeg is only needed on platforms that capture through it.
	ffmpegPath := util.ResolveFFmpegPath(snap.FFmpegPath)
	captureAvailable := audio.CaptureAvailable(ffmpegPath)
	if !captureAvailable {
		slog.Warn("capture tool not found - device capture disabled",
			"configured_ffmpeg_path", snap.FFmpegPath)
	}

	notifier := notify.NewTempoNotifier(cfg)
	eng := engine.New(cfg, ffmpegPath, events, notifier)
	archiver := archive.New(cfg, events)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go archiver.Run(ctx)

	version := NewReleaseWatcher()
	go version.Run(ctx)
	srv := NewServer(server.Deps{
		Config:           cfg,
		Engine:           eng,
		Notifier:         notifier,
		Archiver:         archiver,
		Events:           events,
		LogLevel:         logLevel,
		CaptureAvailable: captureAvailable,
	}, version)

	if captureAvailable || snap.UsesFile() {
		slog.Info("starting engine")
		if err := eng.Start(); err != nil {
			slog.Error("failed to start engine", "error", err)
		}
	} else {
		slog.Warn("engine not started - no capture tool and no replay file")
	}

	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := eng.Stop(); err != nil {
		slog.Error("error stopping engine", "error", err)
	}
	notifier.Wait()

	if err := events.Close(); err != nil {
		slog.Error("error closing event log", "error", err)
	}

	slog.Info("shutdown complete")
}
