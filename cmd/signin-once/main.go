package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/controller"
	"github.com/dgnsrekt/tieba_signin/internal/notify"
	"github.com/dgnsrekt/tieba_signin/internal/signin"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/storage"
)

// signin-once runs a single sign-in pass, prints the result as JSON on
// stdout and exits non-zero unless the pass succeeded.
func main() {
	srvCfg, err := config.LoadOnce()
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "config load failed: "+err.Error()+"\n")
		os.Exit(2)
	}
	if err := setupLogger(srvCfg.LogLevel, srvCfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load sign-in config", "error", err)
		os.Exit(2)
	}

	snaps, err := snapshot.NewStore(srvCfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to open snapshot store", "dir", srvCfg.SnapshotDir, "error", err)
		os.Exit(2)
	}
	records := storage.NewWriterRegistry(srvCfg.RecordsDir, 256, 50)

	var opts []signin.Option
	opts = append(opts, signin.WithSnapshots(snaps))
	if srvCfg.RecordTraffic {
		opts = append(opts, signin.WithTabObservers(storage.NewTrafficRecorder(records)))
	}
	provider := browser.NewChromeProvider(browser.ChromeConfig{
		Endpoint:    cfg.BrowserEndpoint,
		DataDir:     cfg.DataDir,
		ProjectName: cfg.ProjectName,
		CDPAddress:  cfg.CDPAddress,
		CDPPort:     cfg.CDPPort,
		Width:       cfg.WindowWidth,
		Height:      cfg.WindowHeight,
		Headless:    cfg.Headless,
		Stealth:     cfg.Stealth,
	})
	workflow := signin.New(provider, config.EnvSource{}, opts...)

	svc := controller.NewService(workflow, snaps,
		controller.WithRecords(records),
		controller.WithSnapshotRetention(srvCfg.SnapshotKeep),
		controller.WithNotifier(&notify.Notifier{Endpoint: srvCfg.NotifyURL}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res, err := svc.RunSignIn(ctx)
	stop()
	_ = records.Close()
	if err != nil {
		slog.Error("sign-in run failed to start", "error", err)
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("failed to write result", "error", err)
		os.Exit(2)
	}
	if !res.Success {
		os.Exit(1)
	}
}

// setupLogger keeps stdout for the JSON result.
func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stderr, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
