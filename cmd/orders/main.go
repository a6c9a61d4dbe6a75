package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"commerce/internal/app/orders"
	"commerce/internal/cache"
	"commerce/internal/catalog"
	catalog_postgres "commerce/internal/catalog/postgres"
	"commerce/internal/config"
	"commerce/internal/database"
	"commerce/internal/handler/consumer"
	http_orders "commerce/internal/handler/http/orders"
	"commerce/internal/metrics"
	"commerce/internal/queue"
	"commerce/internal/queue/kafkaqueue"
	postgres_order_repo "commerce/internal/repository/order_repo/postgres"
	postgres_outbox_repo "commerce/internal/repository/outbox_repo/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Order Service starting...")

	db := connectWithRetry(cfg.OrdersDB.ConnectionString(), appLogger)
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.OrdersMigrationsPath, cfg.OrdersDB.MigrationURL())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed.")

	orderEvents := kafkaqueue.New(cfg.KafkaBrokers, cfg.OrderEventsTopic, "", cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.OrderEventsTopic)))
	defer orderEvents.Close()
	paymentStatus := kafkaqueue.New(cfg.KafkaBrokers, cfg.PaymentStatusTopic, cfg.OrdersConsumerGroup, cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.PaymentStatusTopic)))
	defer paymentStatus.Close()

	publisher := queue.NewPublisher()
	publisher.Register(cfg.OrderEventsTopic, orderEvents)

	orderRepository := postgres_order_repo.NewOrderRepository(db, appLogger)
	outboxRepository := postgres_outbox_repo.NewOutboxRepository(db, appLogger)

	var productCatalog catalog.Catalog = catalog_postgres.NewCatalog(db, appLogger)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, "orders")
		productCatalog = catalog.WithCache(productCatalog, redisCache, cfg.ProductCacheTTL, appLogger)
		appLogger.Info("Product cache enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	orderService := orders.NewOrderService(orderRepository, outboxRepository, productCatalog, publisher, cfg.OrderEventsTopic, appLogger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.OutboxPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), cfg.OutboxPollTimeout)
				if err := orderService.ProcessOutbox(ctx); err != nil {
					appLogger.Error("Error processing outbox", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	appLogger.Info("Transactional outbox sender started.")

	statusConsumer := consumer.NewPaymentStatusConsumer(
		paymentStatus, orderService, cfg.WorkerBatchSize, cfg.WorkerWaitTime,
		appLogger.With(zap.String("component", "PaymentStatusConsumer")))
	go statusConsumer.Run(rootCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())

	http_orders.RegisterRoutes(r, orderService, appLogger)

	server := &http.Server{
		Addr:         cfg.OrdersHTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	appLogger.Info("Order Service started", zap.String("address", cfg.OrdersHTTPAddr))

	<-rootCtx.Done()

	appLogger.Info("Shutting down Order Service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Fatal("Order Service graceful shutdown failed", zap.Error(err))
	}
	appLogger.Info("Order Service stopped.")
}

func connectWithRetry(dsn string, logger *zap.Logger) *sql.DB {
	const maxRetries = 10
	const retryDelay = 5 * time.Second

	var db *sql.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dsn)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			return db
		}
		logger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}
	logger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	return nil
}
