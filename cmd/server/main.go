package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registration-service/config"
	"registration-service/internal/api"
	"registration-service/internal/broker"
	"registration-service/internal/gateway"
	"registration-service/internal/redisclient"
	"registration-service/internal/service"
	"registration-service/internal/store"
	"registration-service/internal/store/memory"
	"registration-service/internal/util"
	"registration-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is everything the services need from storage.
type backend interface {
	service.ReservationStore
	service.WebhookEventStore
	service.Catalog
	service.UserDirectory
	Ping(ctx context.Context) error
	Close() error
}

type cache interface {
	service.AvailabilityCache
	service.CheckoutCache
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Log.File); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting registration service")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer("registration-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRate)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := openBackend(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("backend", cfg.Database.Backend), zap.Error(err))
	}
	defer db.Close()
	logger.Info("Storage ready", zap.String("backend", cfg.Database.Backend))

	checks := map[string]api.HealthCheck{"database": db.Ping}

	var caches cache = service.NoopCache{}
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without cache", zap.Error(err))
	} else {
		defer redisClient.Close()
		caches = redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservations)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	eventPublisher := broker.NewEventPublisher(producer)

	stripeGateway := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:        cfg.Payments.SecretKey,
		WebhookSecret:    cfg.Payments.WebhookSecret,
		WebhookTolerance: cfg.Payments.WebhookTolerance,
		SuccessURL:       cfg.Payments.SuccessURL,
		CancelURL:        cfg.Payments.CancelURL,
		SessionTTL:       cfg.Payments.SessionTTL,
	})
	if cfg.Payments.SecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, checkout is disabled")
	}

	reservationService := service.NewReservationService(db, db, caches, eventPublisher, service.ReservationServiceConfig{
		Currency:        cfg.Payments.Currency,
		AvailabilityTTL: cfg.Cache.AvailabilityTTL,
	})
	checkoutService := service.NewCheckoutService(db, db, stripeGateway, caches, service.CheckoutServiceConfig{
		Currency:   cfg.Payments.Currency,
		SessionTTL: cfg.Payments.SessionTTL,
	})
	reconciler := service.NewReconciler(stripeGateway, db, db, caches, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservations, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, db, db, nil)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservationService, checkoutService, reconciler, db, cfg.Auth.JWTSecret, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openBackend(cfg config.DatabaseConfig) (backend, error) {
	if cfg.Backend == "memory" {
		return openMemory(cfg.SeedFile)
	}

	db, err := store.NewStore(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// openMemory starts the in-process backend, seeded from seedFile when set.
// Without a seed it holds no users or events.
func openMemory(seedFile string) (backend, error) {
	ms := memory.NewStore()
	logger := util.GetLogger()
	if seedFile == "" {
		logger.Warn("Memory storage started without SEED_FILE; no users or events are loaded")
		return ms, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seed, err := ms.LoadSeedFile(ctx, seedFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Memory storage seeded",
		zap.String("file", seedFile),
		zap.Int("users", len(seed.Users)),
		zap.Int("events", len(seed.Events)))
	return ms, nil
}
