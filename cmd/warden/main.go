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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/urlwarden/urlwarden/internal/alert"
	"github.com/urlwarden/urlwarden/internal/api"
	"github.com/urlwarden/urlwarden/internal/browser"
	"github.com/urlwarden/urlwarden/internal/cdp"
	"github.com/urlwarden/urlwarden/internal/classifier"
	"github.com/urlwarden/urlwarden/internal/config"
	"github.com/urlwarden/urlwarden/internal/guard"
	"github.com/urlwarden/urlwarden/internal/handoff"
	"github.com/urlwarden/urlwarden/internal/interstitial"
	"github.com/urlwarden/urlwarden/internal/metrics"
	"github.com/urlwarden/urlwarden/internal/netutil"
	"github.com/urlwarden/urlwarden/internal/relay"
	"github.com/urlwarden/urlwarden/internal/rules"
	"github.com/urlwarden/urlwarden/internal/tabstate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}
	logger := slog.Default()

	slog.Info("warden config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"classifier_endpoint", cfg.ClassifierEndpoint,
		"fail_closed", cfg.FailClosed,
		"pending_indicator", cfg.PendingIndicator,
		"rules_file", cfg.RulesFile,
		"log_level", cfg.LogLevel,
	)

	policy := rules.Default()
	if cfg.RulesFile != "" {
		policy, err = rules.Load(cfg.RulesFile)
		if err != nil {
			slog.Error("failed to load rules file", "path", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
	}
	failClosed := cfg.FailClosed
	if policy.FailClosed != nil {
		failClosed = *policy.FailClosed
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	statusStore, err := handoff.NewStatusStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to create status store", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	journal := handoff.NewJournal(cfg.DataDir, logger)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()

	broker := relay.NewBroker()
	m := metrics.New(prometheus.DefaultRegisterer)

	cdpClient := cdp.NewClient(cfg.CDPURL(), logger)
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	g := guard.New(guard.Options{
		Store:            tabstate.NewStore(),
		Classifier:       classifier.NewClient(cfg.ClassifierEndpoint, cfg.MaliciousSentinel, time.Duration(cfg.ClassifierTimeoutS)*time.Second),
		Navigator:        cdpClient,
		Indicator:        cdp.NewIndicator(cdpClient),
		Alerts:           alert.NewNotifier(cfg.AlertEndpoint, nil),
		Policy:           policy,
		Broker:           broker,
		Journal:          journal,
		Status:           statusStore,
		Metrics:          m,
		Logger:           logger,
		InterstitialURL:  "http://" + bindAddr + "/interstitial",
		FailClosed:       failClosed,
		PendingIndicator: cfg.PendingIndicator,
		ClassifyTimeout:  time.Duration(cfg.ClassifierTimeoutS) * time.Second,
	})
	defer g.Close()

	cdpClient.SetHandler(g)
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}

	watcher := cdp.NewTargetWatcher(cfg.CDPURL(), cdpClient, logger)
	if err := watcher.Start(context.Background()); err != nil {
		slog.Error("failed to start target watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	warning := interstitial.New(g, func() { m.InterstitialProceeds.Inc() }, logger)

	h := api.NewServer(g, api.Options{
		Broker:       broker,
		Interstitial: warning,
		Status:       statusStore,
		Metrics:      promhttp.Handler(),
		StartedAt:    time.Now(),
	})

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("warden listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("warden server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("warden shutdown failed", "error", err)
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
