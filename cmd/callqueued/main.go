package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/max-tl-2000/red-callqueue/internal/api"
	"github.com/max-tl-2000/red-callqueue/internal/bus"
	"github.com/max-tl-2000/red-callqueue/internal/config"
	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/metrics"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/provider"
	"github.com/max-tl-2000/red-callqueue/internal/queue"
	"github.com/max-tl-2000/red-callqueue/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting callqueued",
		"http_port", cfg.HTTPPort,
		"kafka_brokers", cfg.KafkaBrokers,
		"kafka_group", cfg.KafkaGroupID,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Repositories.
	store := database.NewQueueStore(db, cfg.OwnerPriorityOffset)
	stats := database.NewQueueStatsRepository(db)
	teams := database.NewTeamRepository(db)
	users := database.NewUserRepository(db)
	comms := database.NewCommunicationRepository(db)
	parties := database.NewPartyRepository(db)

	// Voice provider client.
	ops := provider.NewClient(provider.DefaultClientConfig(
		cfg.ProviderBaseURL, cfg.ProviderAccountID, cfg.ProviderAuthToken,
	), logger)

	// WebSocket hub for agent presence and push notifications.
	hub := notify.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	// Kafka message bus.
	kafkaCfg := bus.DefaultKafkaConfig(cfg.BrokerList(), cfg.KafkaGroupID)
	kafkaBus, err := bus.NewKafkaBus(kafkaCfg, logger)
	if err != nil {
		logger.Error("failed to connect to kafka", "error", err)
		os.Exit(1)
	}
	defer kafkaBus.Close()

	// Queue wiring.
	queueCfg := queue.Config{
		URLs: queue.URLBuilder{
			WebhookBase:     cfg.WebhookBaseURL,
			AudioAssetsBase: cfg.AudioAssetsURL,
		},
		RingTimeBeforeVoicemail: cfg.RingTimeBeforeVoicemail,
		OwnerPriorityOffset:     cfg.OwnerPriorityOffset,
		UserAvailabilityDelay:   cfg.UserAvailabilityDelay(),
		HoldingMusicFile:        "holding-music.mp3",
		WelcomeMessage: voice.Message{
			Text: "Thank you for calling. Please hold while we connect you to the next available agent.",
		},
		CallbackAckMessage: voice.Message{
			Text: "Thank you. An agent will call you back as soon as possible. Goodbye.",
		},
	}

	actions := queue.NewActions(comms, parties, teams, ops, hub, queueCfg.URLs, logger)
	service := queue.NewService(store, stats, users, comms, ops, actions, kafkaBus, hub, queueCfg, logger)
	handler := queue.NewHandler(db, store, stats, teams, users, comms, service, actions, kafkaBus, hub, hub, queueCfg, logger)
	handler.Register(kafkaBus)

	go func() {
		if err := kafkaBus.Run(appCtx); err != nil {
			logger.Error("kafka consumer stopped", "error", err)
		}
	}()

	// Clear queues for teams whose office hours just ended.
	scanner := queue.NewEndOfDayScanner(teams, kafkaBus, logger)
	go scanner.Run(appCtx, cfg.EndOfDayScanInterval)

	// Prometheus collector reading queue state at scrape time.
	depth := &queueDepthAdapter{store: store}
	booked := &bookedAgentsAdapter{store: store}
	prometheus.MustRegister(metrics.NewCollector(depth, booked, hub, time.Now()))

	// HTTP server using the api package.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(service, store, users, kafkaBus, hub, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("callqueued stopped")
}

// queueDepthAdapter bridges the queue store with the metrics collector's
// QueueDepthProvider interface.
type queueDepthAdapter struct {
	store database.QueueStoreRepository
}

func (a *queueDepthAdapter) QueueDepthByTeam(ctx context.Context) (map[string]int, error) {
	teamIDs, err := a.store.GetTargetedTeamsSortedByCallTime(ctx)
	if err != nil {
		return nil, err
	}
	if len(teamIDs) == 0 {
		return map[string]int{}, nil
	}
	counts, err := a.store.GetCallQueueCountByTeamIDs(ctx, teamIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for _, c := range counts {
		out[c.TeamID.String()] = c.Count
	}
	return out, nil
}

// bookedAgentsAdapter bridges the queue store with the metrics collector's
// BookedAgentsProvider interface.
type bookedAgentsAdapter struct {
	store database.QueueStoreRepository
}

func (a *bookedAgentsAdapter) BookedAgentCount(ctx context.Context) (int, error) {
	userIDs, err := a.store.GetBookedUsers(ctx)
	if err != nil {
		return 0, err
	}
	return len(userIDs), nil
}
