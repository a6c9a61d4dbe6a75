package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce/internal/catalog"
	"commerce/internal/domain"
)

type pgCatalog struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCatalog(db *sql.DB, l *zap.Logger) catalog.Catalog {
	return &pgCatalog{db: db, logger: l}
}

func (c *pgCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product := &domain.Product{}
	query := `SELECT id, name, price, stock, updated_at FROM products WHERE id = $1`
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&product.ID, &product.Name, &product.Price, &product.Stock, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		c.logger.Error("Failed to get product", zap.String("product_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return product, nil
}

func (c *pgCatalog) AdjustStock(ctx context.Context, id string, delta int) error {
	query := `UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1 AND stock + $2 >= 0`
	res, err := c.db.ExecContext(ctx, query, id, delta, time.Now())
	if err != nil {
		c.logger.Error("Failed to adjust stock", zap.String("product_id", id), zap.Int("delta", delta), zap.Error(err))
		return fmt.Errorf("failed to adjust stock for product %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check stock adjustment result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := c.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check product %s: %w", id, err)
		}
		if !exists {
			return domain.ErrProductNotFound
		}
		return domain.ErrOutOfStock
	}
	return nil
}
