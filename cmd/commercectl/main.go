// commercectl is the operator CLI: republish saga events for an order and
// inspect payment attempts left in processing by a crash.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"commerce/internal/app/orders"
	"commerce/internal/cache"
	"commerce/internal/catalog"
	"commerce/internal/catalog/postgres"
	"commerce/internal/config"
	"commerce/internal/database"
	"commerce/internal/queue"
	"commerce/internal/queue/kafkaqueue"
	postgres_order_repo "commerce/internal/repository/order_repo/postgres"
	postgres_outbox_repo "commerce/internal/repository/outbox_repo/postgres"
	postgres_payment_repo "commerce/internal/repository/payment_repo/postgres"
)

func main() {
	root := &cobra.Command{
		Use:           "commercectl",
		Short:         "Operational tooling for the commerce services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRepublishCmd(), newStalePaymentsCmd(), newRestockCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRepublishCmd() *cobra.Command {
	var orderID string

	cmd := &cobra.Command{
		Use:   "republish",
		Short: "Re-emit every recorded saga event for an order",
		Long: "Re-emit every outbox entry recorded for an order, already-sent ones\n" +
			"included. Safe to run repeatedly: consumers deduplicate on the\n" +
			"idempotency key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger := zap.NewNop()

			db, err := database.NewPostgresDB(cfg.OrdersDB.ConnectionString())
			if err != nil {
				return fmt.Errorf("failed to connect to orders database: %w", err)
			}
			defer db.Close()

			orderEvents := kafkaqueue.New(cfg.KafkaBrokers, cfg.OrderEventsTopic, "", cfg.VisibilityTimeout, logger)
			defer orderEvents.Close()
			publisher := queue.NewPublisher()
			publisher.Register(cfg.OrderEventsTopic, orderEvents)

			service := orders.NewOrderService(
				postgres_order_repo.NewOrderRepository(db, logger),
				postgres_outbox_repo.NewOutboxRepository(db, logger),
				postgres.NewCatalog(db, logger),
				publisher, cfg.OrderEventsTopic, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			count, err := service.RepublishOrderEvents(ctx, orderID)
			if err != nil {
				return err
			}
			fmt.Printf("Republished %d event(s) for order %s\n", count, orderID)
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order-id", "", "order to republish events for")
	cmd.MarkFlagRequired("order-id")
	return cmd
}

func newStalePaymentsCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "stale-payments",
		Short: "List payment attempts stuck in processing",
		Long: "List attempts that have sat in processing beyond the threshold —\n" +
			"the write-ahead rows a crash between gateway call and outcome write\n" +
			"leaves behind. Reconcile each against the gateway before acting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.StaleAttemptThreshold
			}

			db, err := database.NewPostgresDB(cfg.PaymentsDB.ConnectionString())
			if err != nil {
				return fmt.Errorf("failed to connect to payments database: %w", err)
			}
			defer db.Close()

			repo := postgres_payment_repo.NewPaymentRepository(db, zap.NewNop())
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			attempts, err := repo.ListStaleProcessing(ctx, olderThan)
			if err != nil {
				return err
			}

			if len(attempts) == 0 {
				fmt.Println("No stale payment attempts.")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, attempt := range attempts {
				if err := enc.Encode(attempt); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "stale threshold (defaults to STALE_ATTEMPT_THRESHOLD)")
	return cmd
}

func newRestockCmd() *cobra.Command {
	var productID string
	var delta int

	cmd := &cobra.Command{
		Use:   "restock",
		Short: "Adjust a product's stock level",
		Long: "Apply a manual stock correction: a positive delta adds units, a\n" +
			"negative one removes them. The adjustment is rejected if it would\n" +
			"take stock below zero.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delta == 0 {
				return fmt.Errorf("--delta must be non-zero")
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger := zap.NewNop()

			db, err := database.NewPostgresDB(cfg.OrdersDB.ConnectionString())
			if err != nil {
				return fmt.Errorf("failed to connect to orders database: %w", err)
			}
			defer db.Close()

			var products catalog.Catalog = postgres.NewCatalog(db, logger)
			if cfg.RedisAddr != "" {
				// Evict the cached entry alongside the write, same as the
				// order service does.
				products = catalog.WithCache(products, cache.NewRedisCache(cfg.RedisAddr, "orders"), cfg.ProductCacheTTL, logger)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := products.AdjustStock(ctx, productID, delta); err != nil {
				return err
			}
			product, err := products.GetProduct(ctx, productID)
			if err != nil {
				return err
			}
			fmt.Printf("Product %s (%s) stock is now %d\n", product.ID, product.Name, product.Stock)
			return nil
		},
	}

	cmd.Flags().StringVar(&productID, "product-id", "", "product to adjust")
	cmd.Flags().IntVar(&delta, "delta", 0, "stock delta (positive adds, negative removes)")
	cmd.MarkFlagRequired("product-id")
	return cmd
}
