package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"commerce/internal/domain"
	"commerce/internal/repository/order_repo"
	"commerce/internal/repository/outbox_repo"
)

type pgOrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, l *zap.Logger) order_repo.OrderRepository {
	return &pgOrderRepository{db: db, logger: l}
}

func (r *pgOrderRepository) CreateOrderAndReserveStock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction for order submission", zap.String("order_id", order.ID), zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic during order submission transaction, rolling back", zap.String("order_id", order.ID))
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				r.logger.Error("Failed to commit order submission transaction", zap.String("order_id", order.ID), zap.Error(err))
			}
		}
	}()

	// Reserve stock first: a guarded decrement per line item keeps the whole
	// submission atomic with the reservation.
	for _, item := range order.Items {
		err = reserveStock(ctx, tx, item.ProductID, item.Quantity)
		if err != nil {
			return err
		}
	}

	err = insertOrder(ctx, tx, order)
	if err != nil {
		return err
	}

	err = insertOutboxMessage(ctx, tx, msg)
	return err
}

func (r *pgOrderRepository) CancelOrderAndRestock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction for order cancellation", zap.String("order_id", order.ID), zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				r.logger.Error("Failed to commit order cancellation transaction", zap.String("order_id", order.ID), zap.Error(err))
			}
		}
	}()

	// The status guard makes the restock exactly-once: a concurrent cancel or
	// a shipped order loses the race and nothing is restored.
	statusQuery := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5, $6)`
	var res sql.Result
	res, err = tx.ExecContext(ctx, statusQuery,
		domain.OrderStatusCancelled, time.Now(), order.ID,
		domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing)
	if err != nil {
		return fmt.Errorf("tx failed to cancel order: %w", err)
	}
	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancellation result: %w", err)
	}
	if affected == 0 {
		err = domain.ErrInvalidTransition
		return err
	}

	restockQuery := `UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1`
	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, restockQuery, item.ProductID, item.Quantity, time.Now())
		if err != nil {
			return fmt.Errorf("tx failed to restore stock for product %s: %w", item.ProductID, err)
		}
	}

	err = insertOutboxMessage(ctx, tx, msg)
	return err
}

func (r *pgOrderRepository) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT id, order_number, user_id, total_amount, shipping_address, notes, status, payment_status, created_at, updated_at
		 FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		r.logger.Error("Failed to get order by ID", zap.String("order_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}

	items, err := r.loadItems(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	order.Items = items[id]
	return order, nil
}

func (r *pgOrderRepository) ListOrders(ctx context.Context, f order_repo.ListFilter) ([]*domain.Order, error) {
	query := `SELECT id, order_number, user_id, total_amount, shipping_address, notes, status, payment_status, created_at, updated_at FROM orders`
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list orders", zap.Error(err))
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	var ids []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) > 0 {
		items, err := r.loadItems(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, order := range orders {
			order.Items = items[order.ID]
		}
	}
	return orders, nil
}

func (r *pgOrderRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, to, time.Now(), orderID, from)
	if err != nil {
		r.logger.Error("Failed to update order status", zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("failed to update order %s status: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *pgOrderRepository) SetPaymentStatus(ctx context.Context, orderID string, ps domain.OrderPaymentStatus) error {
	query := `UPDATE orders SET payment_status = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, ps, time.Now(), orderID)
	if err != nil {
		r.logger.Error("Failed to set payment status", zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("failed to set payment status for order %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *pgOrderRepository) loadItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	query := `SELECT order_id, product_id, product_name, quantity, price, subtotal
		FROM order_items WHERE order_id = ANY($1) ORDER BY product_id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(orderIDs))
	if err != nil {
		r.logger.Error("Failed to load order items", zap.Error(err))
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]domain.OrderItem)
	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.Price, &item.Subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan order item row: %w", err)
		}
		items[orderID] = append(items[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var address []byte
	var notes sql.NullString
	if err := row.Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &order.TotalAmount,
		&address, &notes, &order.Status, &order.PaymentStatus,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	order.Notes = notes.String
	return order, nil
}

// The statement helpers below run on domain.Querier, so they work the same
// inside the composite transactions and against a bare *sql.DB.

func reserveStock(ctx context.Context, q domain.Querier, productID string, quantity int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = $3 WHERE id = $1 AND stock >= $2`,
		productID, quantity, time.Now())
	if err != nil {
		return fmt.Errorf("tx failed to reserve stock for product %s: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check stock reservation result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check product %s: %w", productID, err)
		}
		if !exists {
			return fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound)
		}
		return fmt.Errorf("product %s: %w", productID, domain.ErrOutOfStock)
	}
	return nil
}

func insertOrder(ctx context.Context, q domain.Querier, order *domain.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}

	orderQuery := `INSERT INTO orders (id, order_number, user_id, total_amount, shipping_address, notes, status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = q.ExecContext(ctx, orderQuery,
		order.ID, order.OrderNumber, order.UserID, order.TotalAmount, address,
		order.Notes, order.Status, order.PaymentStatus, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tx failed to create order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, product_name, quantity, price, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, item := range order.Items {
		_, err = q.ExecContext(ctx, itemQuery,
			order.ID, item.ProductID, item.ProductName, item.Quantity, item.Price, item.Subtotal)
		if err != nil {
			return fmt.Errorf("tx failed to create order item for product %s: %w", item.ProductID, err)
		}
	}
	return nil
}

func insertOutboxMessage(ctx context.Context, q domain.Querier, msg *outbox_repo.OutboxMessage) error {
	query := `INSERT INTO outbox_messages (id, order_id, event_type, topic, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.ExecContext(ctx, query, msg.ID, msg.OrderID, msg.EventType, msg.Topic, msg.Payload, msg.Status, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("tx failed to create outbox message: %w", err)
	}
	return nil
}
