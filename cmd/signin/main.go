package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tieba_signin/internal/api"
	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/controller"
	"github.com/dgnsrekt/tieba_signin/internal/netutil"
	"github.com/dgnsrekt/tieba_signin/internal/notify"
	"github.com/dgnsrekt/tieba_signin/internal/profile"
	"github.com/dgnsrekt/tieba_signin/internal/relay"
	"github.com/dgnsrekt/tieba_signin/internal/signin"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/storage"
)

func main() {
	srvCfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load server config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(srvCfg.LogLevel, srvCfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load sign-in config", "error", err)
		os.Exit(1)
	}

	slog.Info("sign-in service config loaded",
		"bind_addr", srvCfg.BindAddr,
		"port_auto_fallback", srvCfg.PortAutoFallback,
		"port_candidates", srvCfg.PortCandidates,
		"account_id", cfg.AccountID,
		"home_url", cfg.HomeURL,
		"remote_browser", cfg.BrowserEndpoint != "",
		"debug", cfg.Debug,
		"log_level", srvCfg.LogLevel,
		"log_file", srvCfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(srvCfg.BindAddr, srvCfg.PortCandidates, srvCfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", srvCfg.BindAddr, "error", err)
		os.Exit(1)
	}

	snaps, err := snapshot.NewStore(srvCfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to open snapshot store", "dir", srvCfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	records := storage.NewWriterRegistry(srvCfg.RecordsDir, 256, 50)
	defer func() { _ = records.Close() }()

	relayCfg := relay.DefaultConfig()
	if srvCfg.RelayConfigFile != "" {
		relayCfg, err = relay.LoadConfig(srvCfg.RelayConfigFile)
		if err != nil {
			slog.Error("failed to load relay config", "file", srvCfg.RelayConfigFile, "error", err)
			os.Exit(1)
		}
	}
	broker := relay.NewBroker()

	observers := []signin.TabObserver{relay.NewTap(relayCfg, broker)}
	if srvCfg.RecordTraffic {
		observers = append(observers, storage.NewTrafficRecorder(records))
	}

	provider := browser.NewChromeProvider(chromeConfig(cfg))
	src := config.EnvSource{}
	workflow := signin.New(provider, src,
		signin.WithPublisher(broker),
		signin.WithSnapshots(snaps),
		signin.WithTabObservers(observers...),
	)
	collector := profile.NewCollector(provider, src, records.Records(storage.KindProfiles, cfg.AccountID))

	svc := controller.NewService(workflow, snaps,
		controller.WithRecords(records),
		controller.WithSnapshotRetention(srvCfg.SnapshotKeep),
		controller.WithNotifier(&notify.Notifier{Endpoint: srvCfg.NotifyURL}),
		controller.WithProfiles(collector),
		controller.WithClients(broker),
	)
	h := api.NewServer(svc, broker)

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("sign-in service listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("sign-in server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("sign-in server shutdown failed", "error", err)
	}
}

func chromeConfig(cfg *config.Config) browser.ChromeConfig {
	return browser.ChromeConfig{
		Endpoint:    cfg.BrowserEndpoint,
		DataDir:     cfg.DataDir,
		ProjectName: cfg.ProjectName,
		CDPAddress:  cfg.CDPAddress,
		CDPPort:     cfg.CDPPort,
		Width:       cfg.WindowWidth,
		Height:      cfg.WindowHeight,
		Headless:    cfg.Headless,
		Stealth:     cfg.Stealth,
	}
}

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

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
