package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/biaswatch/internal/alerts"
	"github.com/rewired-gh/biaswatch/internal/biasapi"
	"github.com/rewired-gh/biaswatch/internal/config"
	"github.com/rewired-gh/biaswatch/internal/dashboard"
	"github.com/rewired-gh/biaswatch/internal/history"
	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/mitigation"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/poller"
	"github.com/rewired-gh/biaswatch/internal/session"
	"github.com/rewired-gh/biaswatch/internal/store"
	"github.com/rewired-gh/biaswatch/internal/telegram"
)

var configPath = flag.String("config", "", "Path to configuration file (defaults and BIASWATCH_* env when empty)")

// alertQueueSize bounds alerts waiting for Telegram delivery
const alertQueueSize = 64

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	} else {
		logger.Info("Using default configuration")
	}

	// Initialize session journal
	journal, err := history.Open(cfg.History.DBPath, cfg.History.MaxAlerts)
	if err != nil {
		logger.Fatal("Failed to open history journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("Failed to close history journal: %v", err)
		}
	}()

	// Initialize bias service client
	api := biasapi.NewClient(
		cfg.API.BaseURL,
		cfg.API.Timeout,
		biasapi.ClientConfig{
			MaxRetries:      cfg.API.MaxRetries,
			RetryDelayBase:  cfg.API.RetryDelayBase,
			MaxIdleConns:    cfg.API.MaxIdleConns,
			IdleConnTimeout: cfg.API.IdleConnTimeout,
		},
	)

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// Core state
	aggregates := store.New()
	controller := session.New(api)
	mitigationService := mitigation.NewService(api)

	poll := poller.New(api, aggregates, poller.Config{
		DashboardInterval: cfg.Poll.DashboardInterval,
		ClustersInterval:  cfg.Poll.ClustersInterval,
	})
	poll.SetRecorder(journal)
	if telegramClient != nil {
		poll.SetNotifier(telegramClient)
	}

	// A published analysis changes the service's aggregates
	controller.OnPublish(func(session.Outcome) {
		go func() {
			if _, err := poll.PollDashboard(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Dashboard refresh after analysis failed: %v", err)
			}
		}()
	})

	// Alert stream
	consumer := alerts.NewConsumer(cfg.API.WSURL)
	consumer.SetMaxFrameBytes(cfg.API.MaxFrameBytes)
	forward := make(chan models.AlertEvent, alertQueueSize)
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for ev := range forward {
			if telegramClient == nil {
				continue
			}
			if err := telegramClient.SendAlert(ctx, ev); err != nil {
				logger.Warn("Failed to forward alert #%d to Telegram: %v", ev.Seq, err)
			}
		}
	}()

	consumer.Subscribe(
		func(ev models.AlertEvent) {
			logger.Info("Alert #%d: %s", ev.Seq, ev.Alert)
			if _, err := journal.RecordAlert(ctx, ev); err != nil {
				logger.Warn("Failed to journal alert #%d: %v", ev.Seq, err)
			}
			select {
			case forward <- ev:
			default:
				logger.Warn("Alert queue full, dropping Telegram forward of #%d", ev.Seq)
			}
		},
		func(err error) {
			if errors.Is(err, models.ErrInvalidFrame) {
				logger.Warn("Ignoring alert frame: %v", err)
				return
			}
			logger.Error("Alert stream: %v", err)
			if errors.Is(err, models.ErrConnection) {
				scheduleReconnect(ctx, consumer, cfg.API.ReconnectDelay)
			}
		},
	)

	if err := consumer.Start(ctx); err != nil {
		logger.Warn("Alert stream unavailable at startup: %v", err)
	}

	// Start Telegram command listener
	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, func() telegram.Status {
			return statusSummary(aggregates, consumer)
		})
	}

	// Dashboard API
	handler := dashboard.NewHandler(dashboard.Deps{
		Store:      aggregates,
		Session:    controller,
		Mitigation: mitigationService,
		Alerts:     consumer,
		Backend:    api,
		Journal:    journal,
		Polling:    poll,
	})
	server := dashboard.NewServer(cfg.Server.ListenAddr, dashboard.NewRouter(handler, cfg.Server.AllowedOrigins))
	go func() {
		logger.Info("Dashboard API listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Dashboard API failed: %v", err)
			cancel()
		}
	}()

	// Poll until shutdown
	poll.Run(ctx)

	consumer.Stop()
	close(forward)
	<-forwarderDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dashboard API shutdown: %v", err)
	}
	logger.Info("Service stopped")
}

// scheduleReconnect restarts the consumer after delay. A zero delay leaves
// the stream disconnected.
func scheduleReconnect(ctx context.Context, consumer *alerts.Consumer, delay time.Duration) {
	if delay <= 0 || ctx.Err() != nil {
		return
	}
	logger.Info("Reconnecting alert stream in %v", delay)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		// Failures come back through the error callback and reschedule
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, models.ErrConnection) {
			logger.Debug("Reconnect skipped: %v", err)
		}
	})
}

func statusSummary(aggregates *store.Store, consumer *alerts.Consumer) telegram.Status {
	view := aggregates.View()
	s := telegram.Status{
		Models:         len(view.Rows),
		TotalResponses: view.TotalResponses,
		ConsumerState:  consumer.State().String(),
		ClustersSource: string(view.Clusters.Source),
	}
	for _, r := range view.Rows {
		s.BiasedResponses += r.BiasedResponses
	}
	if ev, ok := consumer.Latest(); ok {
		s.LatestAlert = ev.Alert
	}
	return s
}
