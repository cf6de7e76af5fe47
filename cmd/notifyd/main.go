package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/classping/notify/internal/audit"
	"github.com/classping/notify/internal/channel"
	"github.com/classping/notify/internal/delivery"
	"github.com/classping/notify/internal/emergency"
	"github.com/classping/notify/internal/guard"
	"github.com/classping/notify/internal/notifier"
	"github.com/classping/notify/internal/offline"
	"github.com/classping/notify/internal/platform/config"
	"github.com/classping/notify/internal/platform/database"
	"github.com/classping/notify/internal/platform/logger"
	"github.com/classping/notify/internal/platform/messagebroker"
	"github.com/classping/notify/internal/repository/postgres"
	"github.com/classping/notify/internal/template"
	transporthttp "github.com/classping/notify/internal/transport/http"
)

const (
	serviceName     = "notifyd"
	shutdownTimeout = 10 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	log.Info("Starting service...", "service", serviceName)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, log)
	if err != nil {
		log.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	log.Info("NATS connection initialized")

	// The burst limiter runs on Redis when configured so every instance sees
	// the same buckets; otherwise each instance keeps its own.
	var limiterStore guard.LimiterStore = guard.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		limiterStore = guard.NewRedisLimiterStore(redisClient)
		log.Info("Redis burst limiter store initialized", "addr", cfg.RedisAddr)
	}

	messageRepo := postgres.NewPgMessageRepository(dbPool, log)
	preferenceRepo := postgres.NewPgPreferenceRepository(dbPool, log)
	directoryRepo := postgres.NewPgDirectoryRepository(dbPool, log)
	emergencyRepo := postgres.NewPgEmergencyRepository(dbPool, log)
	guardRepo := postgres.NewPgGuardRepository(dbPool, log)
	auditRepo := postgres.NewPgAuditRepository(dbPool, log)

	auditRecorder := audit.NewRecorder(natsClient, log)
	auditConsumer := audit.NewConsumer(natsClient, auditRepo, log)

	sendGuard := guard.New(messageRepo, guardRepo, limiterStore, guard.Config{
		SenderDailyCap:     cfg.GuardSenderDailyCap,
		SenderWeeklyCap:    cfg.GuardSenderWeeklyCap,
		MinInterval:        time.Duration(cfg.GuardMinIntervalSeconds) * time.Second,
		RecipientDailyCap:  cfg.GuardRecipientDailyCap,
		PairCooldown:       time.Duration(cfg.GuardPairCooldownMinutes) * time.Minute,
		BurstWindow:        time.Duration(cfg.GuardBurstWindowSeconds) * time.Second,
		BurstMax:           cfg.GuardBurstMax,
		RejectionLookback:  time.Duration(cfg.GuardRejectionLookbackDays) * 24 * time.Hour,
		RejectionRateBlock: cfg.GuardRejectionRateBlock,
		MaxBodyLength:      cfg.GuardMaxBodyLength,
	}, log)

	spool, err := offline.Open(cfg.OfflineSpoolPath, log)
	if err != nil {
		log.Error("Failed to open offline spool", "error", err, "path", cfg.OfflineSpoolPath)
		os.Exit(1)
	}
	defer spool.Close()

	svc, err := notifier.NewService(messageRepo, preferenceRepo, directoryRepo,
		template.NewRenderer(), sendGuard, auditRecorder, spool, notifier.Config{
			RecallWindow:    time.Duration(cfg.RecallWindowMinutes) * time.Minute,
			QuietHoursStart: cfg.QuietHoursStart,
			QuietHoursEnd:   cfg.QuietHoursEnd,
		}, log)
	if err != nil {
		log.Error("Failed to initialize notifier service", "error", err)
		os.Exit(1)
	}

	engine := emergency.NewEngine(emergencyRepo, messageRepo, directoryRepo, auditRecorder,
		emergency.Config{FanoutConcurrency: cfg.DeliveryWorkerCount}, log)

	httpClient := &http.Client{Timeout: time.Duration(cfg.DeliveryAttemptTimeoutSeconds) * time.Second}
	registry := channel.NewRegistry(
		channel.NewPushSender(log, cfg.PushGatewayURL, cfg.PushGatewayAPIKey, httpClient),
		channel.NewSMSSender(log, cfg.SMSGatewayURL, cfg.SMSGatewayAPIKey, httpClient),
		channel.NewEmailSender(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom),
	)

	machine := delivery.NewMachine(messageRepo, directoryRepo, registry, engine, delivery.Config{
		AttemptTimeout: time.Duration(cfg.DeliveryAttemptTimeoutSeconds) * time.Second,
		BaseBackoff:    time.Duration(cfg.DeliveryBaseBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.DeliveryMaxBackoffSeconds) * time.Second,
	}, log)
	processor := delivery.NewProcessor(messageRepo, machine, delivery.ProcessorConfig{
		PollInterval: time.Duration(cfg.DeliveryPollIntervalSeconds) * time.Second,
		BatchSize:    cfg.DeliveryBatchSize,
		WorkerCount:  cfg.DeliveryWorkerCount,
	}, log)
	receiptConsumer := delivery.NewReceiptConsumer(natsClient, messageRepo, engine, log)

	ackConsumer := emergency.NewAckConsumer(natsClient, engine, log)
	escalator := emergency.NewEscalator(emergencyRepo, engine,
		time.Duration(cfg.EscalationCheckIntervalSeconds)*time.Second, log)

	replayer := offline.NewReplayer(spool, svc, offline.ReplayerConfig{
		Interval:          time.Duration(cfg.OfflineReplayIntervalSeconds) * time.Second,
		BatchSize:         cfg.DeliveryBatchSize,
		MaxReplayAttempts: cfg.OfflineMaxReplayAttempts,
	}, log)

	router := transporthttp.NewRouter(transporthttp.RouterConfig{
		JWTAccessSecret: cfg.JWTAccessSecret,
		RateRPS:         cfg.HTTPRateRPS,
		RateBurst:       cfg.HTTPRateBurst,
	},
		transporthttp.NewMessageHandler(svc, log),
		transporthttp.NewEmergencyHandler(engine, log),
		log)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: router}

	g, groupCtx := errgroup.WithContext(mainCtx)

	if err := receiptConsumer.Start(groupCtx); err != nil {
		log.Error("Failed to start receipt consumer", "error", err)
		os.Exit(1)
	}
	if err := ackConsumer.Start(groupCtx); err != nil {
		log.Error("Failed to start acknowledgment consumer", "error", err)
		os.Exit(1)
	}
	if err := auditConsumer.Start(groupCtx); err != nil {
		log.Error("Failed to start audit consumer", "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		log.Info("Starting delivery processor...", "poll_interval_s", cfg.DeliveryPollIntervalSeconds)
		return processor.Run(groupCtx)
	})
	g.Go(func() error {
		log.Info("Starting escalation sweeper...", "check_interval_s", cfg.EscalationCheckIntervalSeconds)
		return escalator.Run(groupCtx)
	})
	g.Go(func() error {
		log.Info("Starting offline replayer...", "replay_interval_s", cfg.OfflineReplayIntervalSeconds)
		return replayer.Run(groupCtx)
	})
	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info("Service components initialized and workers started. Service is ready.",
		"channels", registry.Channels(), "escalation_levels", len(engine.Ladder()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
	case groupErr = <-watchGroup(g):
		if groupErr != nil {
			log.Error("A critical component failed, initiating shutdown", "error", groupErr)
		}
	}

	log.Info("Attempting graceful shutdown...")
	mainCancel()

	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log.Error("Error during graceful shutdown of components", "error", waitErr)
	}
	log.Info("Service shutdown complete.")
}

// watchGroup returns a channel that receives the result of g.Wait, so a
// component failure can race the signal handler.
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
	}()
	return errCh
}
