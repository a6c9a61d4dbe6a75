package order_repo

import (
	"context"

	"commerce/internal/domain"
	"commerce/internal/repository/outbox_repo"
)

// ListFilter narrows ListOrders. Zero values mean "no filter"; Limit defaults
// to a sane page size in the implementation.
type ListFilter struct {
	UserID string
	Status domain.OrderStatus
	Limit  int
	Offset int
}

type OrderRepository interface {
	// CreateOrderAndReserveStock persists the order with its line items,
	// decrements product stock for every item, and writes the OrderCreated
	// outbox message — all inside one transaction. If any stock decrement
	// would go negative the whole transaction rolls back with
	// domain.ErrOutOfStock and nothing is published.
	CreateOrderAndReserveStock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error

	// CancelOrderAndRestock atomically moves the order to cancelled and
	// restores the ordered quantities, guarded on the current status still
	// being cancellable; a lost race returns domain.ErrInvalidTransition and
	// restocks nothing.
	CancelOrderAndRestock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error

	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]*domain.Order, error)

	// UpdateStatus applies a forward transition guarded on the expected
	// current status.
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) error
	SetPaymentStatus(ctx context.Context, orderID string, ps domain.OrderPaymentStatus) error
}
