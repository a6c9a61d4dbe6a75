// Package orders implements the order-side application service: order
// submission with atomic inventory reservation, cancellation with restock,
// outbox publication and reaction to payment outcomes.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce/internal/catalog"
	"commerce/internal/domain"
	"commerce/internal/event"
	"commerce/internal/queue"
	"commerce/internal/repository/order_repo"
	"commerce/internal/repository/outbox_repo"
	"commerce/internal/util"
)

// ErrInvalidOrder marks request-level validation failures that have no more
// specific domain error.
var ErrInvalidOrder = errors.New("invalid order request")

type OrderService interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, id string) (*OrderResponse, error)
	ListOrders(ctx context.Context, req *ListOrdersRequest) ([]*OrderResponse, error)
	CancelOrder(ctx context.Context, id string) (*OrderResponse, error)
	UpdateOrderStatus(ctx context.Context, id, status string) (*OrderResponse, error)

	HandlePaymentProcessed(ctx context.Context, ev *event.PaymentProcessed) error

	ProcessOutbox(ctx context.Context) error
	RepublishOrderEvents(ctx context.Context, orderID string) (int, error)
}

type orderService struct {
	orders  order_repo.OrderRepository
	outbox  outbox_repo.OutboxRepository
	catalog catalog.Catalog
	pub     *queue.Publisher
	topic   string
	logger  *zap.Logger
}

func NewOrderService(
	orders order_repo.OrderRepository,
	outbox outbox_repo.OutboxRepository,
	cat catalog.Catalog,
	pub *queue.Publisher,
	orderEventsTopic string,
	logger *zap.Logger,
) OrderService {
	return &orderService{
		orders:  orders,
		outbox:  outbox,
		catalog: cat,
		pub:     pub,
		topic:   orderEventsTopic,
		logger:  logger,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidOrder)
	}
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	method := domain.PaymentMethod(req.PaymentMethod)
	if req.PaymentMethod == "" {
		method = domain.PaymentMethodCreditCard
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%q: %w", req.PaymentMethod, domain.ErrInvalidPaymentMethod)
	}
	currency := req.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	// Resolve every line item against the catalog. The unit price always comes
	// from the product record, never from the request. The stock check here is
	// a fast pre-check only; the guarded decrement inside the submission
	// transaction is authoritative.
	items := make([]domain.OrderItem, len(req.Items))
	for i, reqItem := range req.Items {
		if reqItem.Quantity < 1 {
			return nil, fmt.Errorf("product %s: %w", reqItem.ProductID, domain.ErrInvalidQuantity)
		}
		product, err := s.catalog.GetProduct(ctx, reqItem.ProductID)
		if err != nil {
			return nil, err
		}
		if product.Stock < reqItem.Quantity {
			return nil, fmt.Errorf("product %s: %w", product.ID, domain.ErrOutOfStock)
		}
		items[i] = domain.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    reqItem.Quantity,
			Price:       product.Price,
		}
	}

	order, err := domain.NewOrder(util.GenerateUUID(), req.UserID, items, req.ShippingAddress, req.Notes)
	if err != nil {
		return nil, err
	}

	eventItems := make([]event.Item, len(order.Items))
	for i, item := range order.Items {
		eventItems[i] = event.Item{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price}
	}
	payload, err := event.Marshal(&event.OrderCreated{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Amount:         order.TotalAmount,
		Currency:       currency,
		PaymentMethod:  string(method),
		Items:          eventItems,
		IdempotencyKey: event.IdempotencyKey(order.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build order created event: %w", err)
	}
	msg := newOutboxMessage(order.ID, event.TypeOrderCreated, s.topic, payload)

	if err := s.orders.CreateOrderAndReserveStock(ctx, order, msg); err != nil {
		return nil, err
	}
	s.invalidateProducts(ctx, order.Items)

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total_amount", order.TotalAmount.String()))

	// Best effort: push the event out right away. On failure the outbox poller
	// picks it up.
	if err := s.publishOutboxMessage(ctx, msg); err != nil {
		s.logger.Warn("Immediate outbox publish failed, poller will retry",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	return mapOrderToResponse(order), nil
}

func (s *orderService) GetOrder(ctx context.Context, id string) (*OrderResponse, error) {
	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return mapOrderToResponse(order), nil
}

func (s *orderService) ListOrders(ctx context.Context, req *ListOrdersRequest) ([]*OrderResponse, error) {
	filter := order_repo.ListFilter{UserID: req.UserID, Limit: req.Limit, Offset: req.Offset}
	if req.Status != "" {
		status, err := domain.ParseOrderStatus(req.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	orders, err := s.orders.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	return mapOrdersToResponse(orders), nil
}

func (s *orderService) CancelOrder(ctx context.Context, id string) (*OrderResponse, error) {
	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := order.Cancel(); err != nil {
		return nil, err
	}

	msg, err := s.cancellationMessage(order)
	if err != nil {
		return nil, err
	}
	if err := s.orders.CancelOrderAndRestock(ctx, order, msg); err != nil {
		return nil, err
	}
	s.invalidateProducts(ctx, order.Items)

	s.logger.Info("Order cancelled, stock restored",
		zap.String("order_id", order.ID), zap.String("order_number", order.OrderNumber))

	if err := s.publishOutboxMessage(ctx, msg); err != nil {
		s.logger.Warn("Immediate outbox publish failed, poller will retry",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	return mapOrderToResponse(order), nil
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, id, status string) (*OrderResponse, error) {
	next, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	if next == domain.OrderStatusCancelled {
		// Cancellation goes through the restock path.
		return s.CancelOrder(ctx, id)
	}

	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if err := order.SetStatus(next); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateStatus(ctx, id, from, next); err != nil {
		return nil, err
	}
	return mapOrderToResponse(order), nil
}

// HandlePaymentProcessed applies a payment outcome to the order. A failed
// payment compensates the saga: the order is cancelled and its reserved stock
// restored.
func (s *orderService) HandlePaymentProcessed(ctx context.Context, ev *event.PaymentProcessed) error {
	log := s.logger.With(
		zap.String("order_id", ev.OrderID),
		zap.String("payment_id", ev.PaymentID),
		zap.String("payment_status", ev.Status))

	switch ev.Status {
	case "completed":
		if err := s.setPaymentStatus(ctx, ev.OrderID, domain.OrderPaymentPaid, log); err != nil {
			return err
		}
		err := s.orders.UpdateStatus(ctx, ev.OrderID, domain.OrderStatusPending, domain.OrderStatusConfirmed)
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Already confirmed by an earlier delivery, or cancelled meanwhile.
			log.Debug("Order not in pending state, leaving status unchanged")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Payment completed, order confirmed")
		return nil

	case "failed":
		if err := s.setPaymentStatus(ctx, ev.OrderID, domain.OrderPaymentFailed, log); err != nil {
			return err
		}
		return s.compensate(ctx, ev.OrderID, log)

	case "refunded":
		if err := s.setPaymentStatus(ctx, ev.OrderID, domain.OrderPaymentRefunded, log); err != nil {
			return err
		}
		log.Info("Payment refunded")
		return nil

	default:
		log.Warn("Dropping payment event with unknown status")
		return nil
	}
}

func (s *orderService) setPaymentStatus(ctx context.Context, orderID string, ps domain.OrderPaymentStatus, log *zap.Logger) error {
	err := s.orders.SetPaymentStatus(ctx, orderID, ps)
	if errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Payment event references unknown order, dropping")
		return nil
	}
	return err
}

// compensate cancels the order and restores its stock after a failed payment.
// The guarded cancel transaction makes the restock exactly-once under
// redelivery.
func (s *orderService) compensate(ctx context.Context, orderID string, log *zap.Logger) error {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		log.Warn("Order to compensate not found, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if err := order.Cancel(); err != nil {
		// Already cancelled or shipped; nothing to compensate.
		log.Debug("Order not cancellable, skipping compensation", zap.String("status", string(order.Status)))
		return nil
	}

	msg, err := s.cancellationMessage(order)
	if err != nil {
		return err
	}
	err = s.orders.CancelOrderAndRestock(ctx, order, msg)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug("Lost cancellation race, compensation already applied")
		return nil
	}
	if err != nil {
		return err
	}
	s.invalidateProducts(ctx, order.Items)

	log.Info("Payment failed, order cancelled and stock restored")
	if err := s.publishOutboxMessage(ctx, msg); err != nil {
		s.logger.Warn("Immediate outbox publish failed, poller will retry",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	return nil
}

// invalidateProducts evicts cached catalog entries for the order's products.
// Stock moved in a transaction the catalog adapter never saw, so a cached
// read would serve the pre-commit count until its TTL runs out.
func (s *orderService) invalidateProducts(ctx context.Context, items []domain.OrderItem) {
	inv, ok := s.catalog.(catalog.Invalidator)
	if !ok {
		return
	}
	for _, item := range items {
		inv.InvalidateProduct(ctx, item.ProductID)
	}
}

func (s *orderService) cancellationMessage(order *domain.Order) (*outbox_repo.OutboxMessage, error) {
	items := make([]event.CancelledItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = event.CancelledItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	payload, err := event.Marshal(&event.OrderCancelled{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       items,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build order cancelled event: %w", err)
	}
	return newOutboxMessage(order.ID, event.TypeOrderCancelled, s.topic, payload), nil
}

// ProcessOutbox publishes every pending outbox message. Errors are logged per
// message; a message that fails to publish stays pending for the next pass.
func (s *orderService) ProcessOutbox(ctx context.Context) error {
	messages, err := s.outbox.GetUnsentMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unsent outbox messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	s.logger.Debug("Processing outbox", zap.Int("pending", len(messages)))
	for _, msg := range messages {
		if err := s.publishOutboxMessage(ctx, msg); err != nil {
			s.logger.Error("Failed to publish outbox message",
				zap.String("message_id", msg.ID),
				zap.String("order_id", msg.OrderID),
				zap.Error(err))
		}
	}
	return nil
}

// RepublishOrderEvents re-emits every outbox entry recorded for an order,
// already-sent ones included. Duplicate deliveries are safe: the payment side
// deduplicates on the idempotency key.
func (s *orderService) RepublishOrderEvents(ctx context.Context, orderID string) (int, error) {
	messages, err := s.outbox.GetMessagesByOrderID(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load outbox messages for order %s: %w", orderID, err)
	}

	published := 0
	for _, msg := range messages {
		attrs := event.Attributes(msg.EventType, msg.OrderID)
		if err := s.pub.Publish(ctx, msg.Topic, queue.Outgoing{Body: msg.Payload, Attributes: attrs}); err != nil {
			return published, fmt.Errorf("failed to republish message %s: %w", msg.ID, err)
		}
		published++
		if msg.Status == outbox_repo.StatusPending {
			if err := s.outbox.MarkMessageSent(ctx, msg.ID); err != nil {
				s.logger.Warn("Failed to mark republished message sent",
					zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
	}
	return published, nil
}

func (s *orderService) publishOutboxMessage(ctx context.Context, msg *outbox_repo.OutboxMessage) error {
	attrs := event.Attributes(msg.EventType, msg.OrderID)
	if err := s.pub.Publish(ctx, msg.Topic, queue.Outgoing{Body: msg.Payload, Attributes: attrs}); err != nil {
		return err
	}
	if err := s.outbox.MarkMessageSent(ctx, msg.ID); err != nil {
		// The message will be published again; consumers dedup on the
		// idempotency key.
		s.logger.Warn("Failed to mark outbox message sent",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

func newOutboxMessage(orderID, eventType, topic string, payload []byte) *outbox_repo.OutboxMessage {
	return &outbox_repo.OutboxMessage{
		ID:        util.GenerateUUID(),
		OrderID:   orderID,
		EventType: eventType,
		Topic:     topic,
		Payload:   payload,
		Status:    outbox_repo.StatusPending,
		CreatedAt: time.Now(),
	}
}
