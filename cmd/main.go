/**
 * @description
 * Entry point for the billing service. It runs the payment reconciliation and
 * resource lifecycle cycles on a cron schedule, consumes pushed payment
 * statuses from RabbitMQ and serves the webhook and internal HTTP API.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/driphost/billing-service/internal/api"
	"github.com/driphost/billing-service/internal/app"
	"github.com/driphost/billing-service/internal/config"
	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
	"github.com/driphost/billing-service/pkg/aaioclient"
	"github.com/driphost/billing-service/pkg/cryptobotclient"
	"github.com/driphost/billing-service/pkg/crystalpayclient"
	"github.com/driphost/billing-service/pkg/rabbitmq"
	"github.com/driphost/billing-service/pkg/telegram"
	"github.com/driphost/billing-service/pkg/vmmanager"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, relying on environment\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)

	var cycleLock app.CycleLock = app.NoopCycleLock{}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; cycle leases disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; cycle leases disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			pingCancel()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; cycle leases disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				cycleLock = app.NewRedisCycleLock(redisClient, cfg.RedisLockPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var publisher app.EventPublisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("failed to configure payment providers", "error", err)
		os.Exit(1)
	}

	vmClient, err := vmmanager.NewClient(cfg.VMManagerURL, cfg.VMManagerEmail, cfg.VMManagerPassword)
	if err != nil {
		logger.Error("failed to configure provisioning API client", "error", err)
		os.Exit(1)
	}

	var notifier app.Notifier
	if botClient, err := telegram.NewClient("", cfg.BotToken); err == nil {
		notifier = app.NewTelegramNotifier(botClient, logger)
	} else {
		logger.Warn("telegram notifications disabled", "error", err)
	}

	hooks := []app.PaymentHook{}
	if notifier != nil {
		hooks = append(hooks, app.NewNotificationHook(repository, notifier))
	}
	hooks = append(hooks,
		app.NewReferralRewardHook(repository, notifier, logger),
		app.NewEventHook(publisher, cfg.EventsExchange),
	)
	hookChain := app.NewHookChain(logger, cfg.HookTimeout, hooks...)

	reconciler := app.NewReconciler(repository, providers, hookChain, cycleLock, logger)
	lifecycle := app.NewLifecycle(repository, vmClient, notifier, cycleLock, app.LifecyclePolicy{
		ServerGracePeriod:   cfg.ServerGracePeriod,
		ServerRenewalPeriod: cfg.ServerRenewalPeriod,
		DomainRenewalPeriod: cfg.DomainRenewalPeriod,
		DomainPaydayOffset:  cfg.DomainPaydayOffset,
		VMDeleteAttempts:    cfg.VMDeleteAttempts,
		VMDeleteBackoff:     cfg.VMDeleteBackoff,
	}, logger)

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to connect RabbitMQ consumer; pushed payment statuses disabled", "error", err)
		} else {
			defer consumer.Close()
			statusConsumer := app.NewPaymentStatusConsumer(reconciler, logger)
			bindings := map[string]rabbitmq.Handler{
				app.PaymentStatusRoutingKey: statusConsumer.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentStatusQueue, bindings); err != nil {
				logger.Warn("failed to start payment status consumer", "error", err)
			}
		}
	}

	scheduler := app.NewScheduler(
		app.ReconcileCycle(reconciler),
		app.LifecycleCycle(lifecycle),
		cfg.PaymentPollInterval,
		cfg.LifecycleScanInterval,
		logger,
	)
	scheduler.Start()
	logger.Info("scheduler started", "poll_interval", cfg.PaymentPollInterval, "scan_interval", cfg.LifecycleScanInterval)

	handler := api.NewHandler(reconciler, lifecycle, repository, vmClient, cfg.CryptoBotToken, logger)
	router := api.NewRouter(handler, cfg.InternalAPIKey, cfg.InternalJWTSecret)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	<-scheduler.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}

// buildProviders constructs an adapter for every enabled payment system.
// Missing credentials for an enabled processor are fatal.
func buildProviders(cfg config.Config) (map[domain.PaymentSystem]app.PaymentProvider, error) {
	providers := make(map[domain.PaymentSystem]app.PaymentProvider)
	for _, name := range cfg.EnabledProviders() {
		ps, err := domain.ParsePaymentSystem(name)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}

		var provider app.PaymentProvider
		switch ps {
		case domain.PaymentSystemAAIO:
			provider, err = aaioclient.NewClient("", cfg.AAIOShopID, cfg.AAIOSecretOne, cfg.AAIOAPIKey)
		case domain.PaymentSystemCrystalPay:
			provider, err = crystalpayclient.NewClient("", cfg.CrystalPayLogin, cfg.CrystalPaySecret)
		case domain.PaymentSystemCryptoBot:
			provider, err = cryptobotclient.NewClient("", cfg.CryptoBotToken)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ps, err)
		}
		providers[ps] = provider
	}
	return providers, nil
}
