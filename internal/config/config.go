package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c DBConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c DBConfig) MigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type Config struct {
	OrdersDB   DBConfig
	PaymentsDB DBConfig

	KafkaBrokers           []string
	OrderEventsTopic       string
	PaymentStatusTopic     string
	NotificationsTopic     string
	DeadLetterTopic        string
	WorkerConsumerGroup    string
	OrdersConsumerGroup    string
	OrdersMigrationsPath   string
	PaymentsMigrationsPath string
	OrdersHTTPAddr         string
	PaymentsHTTPAddr       string
	RedisAddr              string
	ProductCacheTTL        time.Duration
	OutboxPollInterval     time.Duration
	OutboxPollTimeout      time.Duration
	WorkerBatchSize        int
	WorkerWaitTime         time.Duration
	WorkerConcurrency      int
	WorkerShutdownGrace    time.Duration
	VisibilityTimeout      time.Duration
	GatewayTimeout         time.Duration
	StaleAttemptThreshold  time.Duration
	GatewayLatency         time.Duration
	GatewayDeclineRate     float64
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.OrdersDB = loadDB("ORDERS", "orders_db")
	cfg.PaymentsDB = loadDB("PAYMENTS", "payments_db")

	cfg.KafkaBrokers = []string{getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")}
	cfg.OrderEventsTopic = getEnvOrDefault("KAFKA_ORDER_EVENTS_TOPIC", "order_events")
	cfg.PaymentStatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")
	cfg.NotificationsTopic = getEnvOrDefault("KAFKA_NOTIFICATIONS_TOPIC", "notifications")
	cfg.DeadLetterTopic = getEnvOrDefault("KAFKA_DEAD_LETTER_TOPIC", "order_events_dlq")
	cfg.WorkerConsumerGroup = getEnvOrDefault("KAFKA_WORKER_GROUP", "payment-worker-group")
	cfg.OrdersConsumerGroup = getEnvOrDefault("KAFKA_ORDERS_GROUP", "order-service-group")

	cfg.OrdersMigrationsPath = getEnvOrDefault("ORDERS_MIGRATIONS_PATH", "file://migrations/orders")
	cfg.PaymentsMigrationsPath = getEnvOrDefault("PAYMENTS_MIGRATIONS_PATH", "file://migrations/payments")

	cfg.OrdersHTTPAddr = getEnvOrDefault("ORDERS_HTTP_ADDR", ":8081")
	cfg.PaymentsHTTPAddr = getEnvOrDefault("PAYMENTS_HTTP_ADDR", ":8082")

	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "")

	var err error
	if cfg.ProductCacheTTL, err = durationEnv("PRODUCT_CACHE_TTL", "5m"); err != nil {
		return nil, err
	}
	if cfg.OutboxPollInterval, err = durationEnv("OUTBOX_POLL_INTERVAL", "5s"); err != nil {
		return nil, err
	}
	if cfg.OutboxPollTimeout, err = durationEnv("OUTBOX_POLL_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.WorkerBatchSize, err = intEnv("WORKER_BATCH_SIZE", "10"); err != nil {
		return nil, err
	}
	if cfg.WorkerWaitTime, err = durationEnv("WORKER_WAIT_TIME", "20s"); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = intEnv("WORKER_CONCURRENCY", "8"); err != nil {
		return nil, err
	}
	if cfg.WorkerShutdownGrace, err = durationEnv("WORKER_SHUTDOWN_GRACE", "30s"); err != nil {
		return nil, err
	}
	// Must exceed the gateway timeout plus store-write latency with margin,
	// or duplicate processing risk rises.
	if cfg.VisibilityTimeout, err = durationEnv("VISIBILITY_TIMEOUT", "5m"); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.StaleAttemptThreshold, err = durationEnv("STALE_ATTEMPT_THRESHOLD", "15m"); err != nil {
		return nil, err
	}
	if cfg.GatewayLatency, err = durationEnv("GATEWAY_LATENCY", "150ms"); err != nil {
		return nil, err
	}
	if cfg.GatewayDeclineRate, err = floatEnv("GATEWAY_DECLINE_RATE", "0.1"); err != nil {
		return nil, err
	}

	if cfg.VisibilityTimeout <= cfg.GatewayTimeout {
		return nil, fmt.Errorf("VISIBILITY_TIMEOUT (%s) must exceed GATEWAY_TIMEOUT (%s)",
			cfg.VisibilityTimeout, cfg.GatewayTimeout)
	}

	return cfg, nil
}

func loadDB(prefix, defaultName string) DBConfig {
	return DBConfig{
		Host:     getEnvOrDefault(prefix+"_DB_HOST", "localhost"),
		Port:     getEnvOrDefault(prefix+"_DB_PORT", "5432"),
		User:     getEnvOrDefault(prefix+"_DB_USER", "postgres"),
		Password: getEnvOrDefault(prefix+"_DB_PASSWORD", "postgres"),
		Name:     getEnvOrDefault(prefix+"_DB_NAME", defaultName),
		SSLMode:  getEnvOrDefault(prefix+"_DB_SSLMODE", "disable"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func durationEnv(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnvOrDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key, defaultValue string) (int, error) {
	n, err := strconv.Atoi(getEnvOrDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key, defaultValue string) (float64, error) {
	f, err := strconv.ParseFloat(getEnvOrDefault(key, defaultValue), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
