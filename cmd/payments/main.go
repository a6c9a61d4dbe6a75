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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"commerce/internal/app/payments"
	"commerce/internal/config"
	"commerce/internal/database"
	"commerce/internal/gateway"
	http_payments "commerce/internal/handler/http/payments"
	"commerce/internal/metrics"
	"commerce/internal/notify"
	"commerce/internal/queue"
	"commerce/internal/queue/kafkaqueue"
	postgres_payment_repo "commerce/internal/repository/payment_repo/postgres"
	"commerce/internal/worker"
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
	appLogger.Info("Payment Service starting...")

	db, err := connectWithRetry(cfg.PaymentsDB.ConnectionString(), appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.PaymentsMigrationsPath, cfg.PaymentsDB.MigrationURL())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed.")

	orderEvents := kafkaqueue.New(cfg.KafkaBrokers, cfg.OrderEventsTopic, cfg.WorkerConsumerGroup, cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.OrderEventsTopic)))
	defer orderEvents.Close()
	paymentStatus := kafkaqueue.New(cfg.KafkaBrokers, cfg.PaymentStatusTopic, "", cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.PaymentStatusTopic)))
	defer paymentStatus.Close()
	notifications := kafkaqueue.New(cfg.KafkaBrokers, cfg.NotificationsTopic, "", cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.NotificationsTopic)))
	defer notifications.Close()
	deadLetters := kafkaqueue.New(cfg.KafkaBrokers, cfg.DeadLetterTopic, "", cfg.VisibilityTimeout, appLogger.With(zap.String("topic", cfg.DeadLetterTopic)))
	defer deadLetters.Close()

	publisher := queue.NewPublisher()
	publisher.Register(cfg.PaymentStatusTopic, paymentStatus)

	paymentRepository := postgres_payment_repo.NewPaymentRepository(db, appLogger)
	paymentGateway := gateway.NewMockGateway(cfg.GatewayLatency, cfg.GatewayDeclineRate, appLogger.With(zap.String("component", "MockGateway")))
	notifier := notify.NewQueueNotifier(notifications, appLogger.With(zap.String("component", "Notifier")))

	paymentService := payments.NewPaymentService(
		paymentRepository, paymentGateway, publisher, cfg.PaymentStatusTopic,
		notifier, cfg.GatewayTimeout, cfg.StaleAttemptThreshold, appLogger)

	workerMetrics := metrics.NewWorkerMetrics(prometheus.DefaultRegisterer)
	errorSink := worker.NewQueueSink(deadLetters, appLogger.With(zap.String("component", "ErrorSink")))
	paymentWorker := worker.New(orderEvents, paymentService, errorSink, workerMetrics, worker.Config{
		BatchSize:     cfg.WorkerBatchSize,
		WaitTime:      cfg.WorkerWaitTime,
		Concurrency:   int64(cfg.WorkerConcurrency),
		ShutdownGrace: cfg.WorkerShutdownGrace,
	}, appLogger.With(zap.String("component", "PaymentWorker")))

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := paymentWorker.Run(rootCtx); err != nil {
			appLogger.Error("Payment worker exited with error", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())

	http_payments.RegisterRoutes(r, paymentService, appLogger)

	server := &http.Server{
		Addr:         cfg.PaymentsHTTPAddr,
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
	appLogger.Info("Payment Service started", zap.String("address", cfg.PaymentsHTTPAddr))

	<-rootCtx.Done()

	appLogger.Info("Shutting down Payment Service...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.WorkerShutdownGrace+10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Payment Service graceful shutdown failed", zap.Error(err))
	}
	<-workerDone
	appLogger.Info("Payment Service stopped.")
}

func connectWithRetry(dsn string, logger *zap.Logger) (*sql.DB, error) {
	const maxRetries = 10
	const retryDelay = 5 * time.Second

	var db *sql.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dsn)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			return db, nil
		}
		logger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}
	return nil, err
}
