package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce/internal/domain"
	"commerce/internal/event"
	"commerce/internal/queue"
	"commerce/internal/queue/memqueue"
	"commerce/internal/repository/order_repo"
	"commerce/internal/repository/outbox_repo"
)

const testEventsTopic = "order_events"

// fakeBackend plays the orders database: products, orders and outbox share
// one store, mirroring the single-transaction coupling of the real schema.
type fakeBackend struct {
	mu       sync.Mutex
	products map[string]*domain.Product
	orders   map[string]*domain.Order
	outbox   []*outbox_repo.OutboxMessage
}

func newFakeBackend(products ...*domain.Product) *fakeBackend {
	b := &fakeBackend{
		products: make(map[string]*domain.Product),
		orders:   make(map[string]*domain.Order),
	}
	for _, p := range products {
		clone := *p
		b.products[p.ID] = &clone
	}
	return b
}

func (b *fakeBackend) CreateOrderAndReserveStock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range order.Items {
		p, ok := b.products[item.ProductID]
		if !ok {
			return domain.ErrProductNotFound
		}
		if p.Stock < item.Quantity {
			return domain.ErrOutOfStock
		}
	}
	for _, item := range order.Items {
		b.products[item.ProductID].Stock -= item.Quantity
	}
	clone := *order
	b.orders[order.ID] = &clone
	b.outbox = append(b.outbox, msg)
	return nil
}

func (b *fakeBackend) CancelOrderAndRestock(ctx context.Context, order *domain.Order, msg *outbox_repo.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if !existing.Status.Cancellable() {
		return domain.ErrInvalidTransition
	}
	existing.Status = domain.OrderStatusCancelled
	for _, item := range existing.Items {
		if p, ok := b.products[item.ProductID]; ok {
			p.Stock += item.Quantity
		}
	}
	b.outbox = append(b.outbox, msg)
	return nil
}

func (b *fakeBackend) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order, ok := b.orders[id]; ok {
		clone := *order
		return &clone, nil
	}
	return nil, domain.ErrOrderNotFound
}

func (b *fakeBackend) ListOrders(ctx context.Context, f order_repo.ListFilter) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Order
	for _, order := range b.orders {
		if f.UserID != "" && order.UserID != f.UserID {
			continue
		}
		if f.Status != "" && order.Status != f.Status {
			continue
		}
		clone := *order
		out = append(out, &clone)
	}
	return out, nil
}

func (b *fakeBackend) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok || order.Status != from {
		return domain.ErrInvalidTransition
	}
	order.Status = to
	return nil
}

func (b *fakeBackend) SetPaymentStatus(ctx context.Context, orderID string, ps domain.OrderPaymentStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.PaymentStatus = ps
	return nil
}

func (b *fakeBackend) GetUnsentMessages(ctx context.Context) ([]*outbox_repo.OutboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*outbox_repo.OutboxMessage
	for _, msg := range b.outbox {
		if msg.Status == outbox_repo.StatusPending {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *fakeBackend) GetMessagesByOrderID(ctx context.Context, orderID string) ([]*outbox_repo.OutboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*outbox_repo.OutboxMessage
	for _, msg := range b.outbox {
		if msg.OrderID == orderID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *fakeBackend) MarkMessageSent(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.outbox {
		if msg.ID == id {
			now := time.Now()
			msg.Status = outbox_repo.StatusSent
			msg.SentAt = &now
			return nil
		}
	}
	return errors.New("outbox message not found")
}

func (b *fakeBackend) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.products[id]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, domain.ErrProductNotFound
}

func (b *fakeBackend) AdjustStock(ctx context.Context, id string, delta int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.products[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	if p.Stock+delta < 0 {
		return domain.ErrOutOfStock
	}
	p.Stock += delta
	return nil
}

// invalidatingCatalog records evictions, standing in for the cached catalog.
type invalidatingCatalog struct {
	*fakeBackend
	evicted []string
}

func (c *invalidatingCatalog) InvalidateProduct(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, id)
}

func (c *invalidatingCatalog) evictions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evicted)
}

func (b *fakeBackend) stock(productID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.products[productID].Stock
}

func testOrderService(b *fakeBackend) (OrderService, *memqueue.Queue) {
	eventsQueue := memqueue.New(time.Minute)
	pub := queue.NewPublisher()
	pub.Register(testEventsTopic, eventsQueue)
	svc := NewOrderService(b, b, b, pub, testEventsTopic, zap.NewNop())
	return svc, eventsQueue
}

func mouse() *domain.Product {
	return &domain.Product{ID: "p1", Name: "Wireless Mouse", Price: decimal.RequireFromString("29.99"), Stock: 10}
}

func createRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		UserID: "user-1",
		Items:  []CreateOrderItemRequest{{ProductID: "p1", Quantity: 2}},
		ShippingAddress: domain.ShippingAddress{
			Street: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
	}
}

func drainEvents(t *testing.T, q *memqueue.Queue) []any {
	t.Helper()
	ctx := context.Background()
	var out []any
	for {
		msgs, err := q.Receive(ctx, queue.MaxBatchSize, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if len(msgs) == 0 {
			return out
		}
		for _, msg := range msgs {
			decoded, err := event.Decode(msg.Body)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			out = append(out, decoded)
			q.Delete(ctx, msg.ReceiptHandle)
		}
	}
}

func TestCreateOrder(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, eventsQueue := testOrderService(backend)

	res, err := svc.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if res.Status != string(domain.OrderStatusPending) {
		t.Errorf("expected pending, got %s", res.Status)
	}
	if !res.TotalAmount.Equal(decimal.RequireFromString("59.98")) {
		t.Errorf("expected total 59.98, got %s", res.TotalAmount)
	}
	if backend.stock("p1") != 8 {
		t.Errorf("expected stock 8 after reservation, got %d", backend.stock("p1"))
	}

	events := drainEvents(t, eventsQueue)
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	created, ok := events[0].(*event.OrderCreated)
	if !ok {
		t.Fatalf("expected *event.OrderCreated, got %T", events[0])
	}
	if created.IdempotencyKey != event.IdempotencyKey(res.ID) {
		t.Errorf("unexpected idempotency key %q", created.IdempotencyKey)
	}
	if !created.Amount.Equal(res.TotalAmount) {
		t.Errorf("event amount %s diverges from order total %s", created.Amount, res.TotalAmount)
	}

	// The immediately published message is marked sent.
	pending, _ := backend.GetUnsentMessages(context.Background())
	if len(pending) != 0 {
		t.Errorf("expected no pending outbox messages, got %d", len(pending))
	}
}

func TestCreateOrder_ClientPriceIsIgnored(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, _ := testOrderService(backend)

	req := createRequest()
	req.Items[0].Price = "0.01"

	res, err := svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !res.Items[0].Price.Equal(decimal.RequireFromString("29.99")) {
		t.Errorf("catalog price must win, got %s", res.Items[0].Price)
	}
	if !res.TotalAmount.Equal(decimal.RequireFromString("59.98")) {
		t.Errorf("expected total 59.98, got %s", res.TotalAmount)
	}
}

func TestCreateOrder_OutOfStock(t *testing.T) {
	product := mouse()
	product.Stock = 1
	backend := newFakeBackend(product)
	svc, eventsQueue := testOrderService(backend)

	_, err := svc.CreateOrder(context.Background(), createRequest())
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	if backend.stock("p1") != 1 {
		t.Errorf("stock must be untouched, got %d", backend.stock("p1"))
	}
	if got := len(drainEvents(t, eventsQueue)); got != 0 {
		t.Errorf("nothing may be published for a rejected order, got %d events", got)
	}
	if orders, _ := svc.ListOrders(context.Background(), &ListOrdersRequest{}); len(orders) != 0 {
		t.Errorf("no order may be stored, got %d", len(orders))
	}
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	backend := newFakeBackend()
	svc, _ := testOrderService(backend)

	if _, err := svc.CreateOrder(context.Background(), createRequest()); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, eventsQueue := testOrderService(backend)

	res, err := svc.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	drainEvents(t, eventsQueue)

	cancelled, err := svc.CancelOrder(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if cancelled.Status != string(domain.OrderStatusCancelled) {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if backend.stock("p1") != 10 {
		t.Errorf("expected stock restored to 10, got %d", backend.stock("p1"))
	}

	events := drainEvents(t, eventsQueue)
	if len(events) != 1 {
		t.Fatalf("expected 1 cancellation event, got %d", len(events))
	}
	if _, ok := events[0].(*event.OrderCancelled); !ok {
		t.Errorf("expected *event.OrderCancelled, got %T", events[0])
	}
}

func TestCancelOrder_ShippedIsForbidden(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, _ := testOrderService(backend)

	res, _ := svc.CreateOrder(context.Background(), createRequest())
	backend.mu.Lock()
	backend.orders[res.ID].Status = domain.OrderStatusShipped
	backend.mu.Unlock()

	if _, err := svc.CancelOrder(context.Background(), res.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if backend.stock("p1") != 8 {
		t.Errorf("stock must stay reserved for a shipped order, got %d", backend.stock("p1"))
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, _ := testOrderService(backend)
	res, _ := svc.CreateOrder(context.Background(), createRequest())

	updated, err := svc.UpdateOrderStatus(context.Background(), res.ID, "confirmed")
	if err != nil {
		t.Fatalf("UpdateOrderStatus failed: %v", err)
	}
	if updated.Status != string(domain.OrderStatusConfirmed) {
		t.Errorf("expected confirmed, got %s", updated.Status)
	}

	if _, err := svc.UpdateOrderStatus(context.Background(), res.ID, "pending"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("backward transition must fail, got %v", err)
	}
	if _, err := svc.UpdateOrderStatus(context.Background(), res.ID, "bogus"); !errors.Is(err, domain.ErrInvalidOrderStatus) {
		t.Errorf("expected ErrInvalidOrderStatus, got %v", err)
	}

	// Cancelling through the status endpoint restocks.
	if _, err := svc.UpdateOrderStatus(context.Background(), res.ID, "cancelled"); err != nil {
		t.Fatalf("cancel via status update failed: %v", err)
	}
	if backend.stock("p1") != 10 {
		t.Errorf("expected stock restored, got %d", backend.stock("p1"))
	}
}

func TestHandlePaymentProcessed_Completed(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, _ := testOrderService(backend)
	res, _ := svc.CreateOrder(context.Background(), createRequest())

	ev := &event.PaymentProcessed{OrderID: res.ID, PaymentID: "pay-1", Status: "completed"}
	if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentProcessed failed: %v", err)
	}

	order, _ := svc.GetOrder(context.Background(), res.ID)
	if order.PaymentStatus != string(domain.OrderPaymentPaid) {
		t.Errorf("expected paid, got %s", order.PaymentStatus)
	}
	if order.Status != string(domain.OrderStatusConfirmed) {
		t.Errorf("expected confirmed, got %s", order.Status)
	}

	// Redelivery of the same outcome is harmless.
	if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
}

func TestHandlePaymentProcessed_FailedCompensates(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, eventsQueue := testOrderService(backend)
	res, _ := svc.CreateOrder(context.Background(), createRequest())
	drainEvents(t, eventsQueue)

	ev := &event.PaymentProcessed{OrderID: res.ID, PaymentID: "pay-1", Status: "failed", FailureReason: "declined"}
	if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentProcessed failed: %v", err)
	}

	order, _ := svc.GetOrder(context.Background(), res.ID)
	if order.PaymentStatus != string(domain.OrderPaymentFailed) {
		t.Errorf("expected failed, got %s", order.PaymentStatus)
	}
	if order.Status != string(domain.OrderStatusCancelled) {
		t.Errorf("expected cancelled, got %s", order.Status)
	}
	if backend.stock("p1") != 10 {
		t.Errorf("expected stock restored, got %d", backend.stock("p1"))
	}

	// The restock must happen exactly once across redeliveries.
	if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if backend.stock("p1") != 10 {
		t.Errorf("redelivery restocked again: %d", backend.stock("p1"))
	}
}

func TestHandlePaymentProcessed_Edges(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, _ := testOrderService(backend)
	res, _ := svc.CreateOrder(context.Background(), createRequest())

	t.Run("unknown status is dropped", func(t *testing.T) {
		ev := &event.PaymentProcessed{OrderID: res.ID, Status: "sideways"}
		if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
			t.Errorf("unknown status must be dropped, got %v", err)
		}
	})

	t.Run("unknown order is dropped", func(t *testing.T) {
		ev := &event.PaymentProcessed{OrderID: "no-such-order", Status: "completed"}
		if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
			t.Errorf("unknown order must be dropped, got %v", err)
		}
	})
}

func TestProcessOutbox_RecoversUnpublishedMessages(t *testing.T) {
	backend := newFakeBackend(mouse())
	eventsQueue := memqueue.New(time.Minute)
	pub := queue.NewPublisher()
	// The topic is not registered yet: the immediate publish after submission
	// fails and the message stays pending, as after a broker outage.
	svc := NewOrderService(backend, backend, backend, pub, testEventsTopic, zap.NewNop())

	res, err := svc.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	pending, _ := backend.GetUnsentMessages(context.Background())
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}

	pub.Register(testEventsTopic, eventsQueue)
	if err := svc.ProcessOutbox(context.Background()); err != nil {
		t.Fatalf("ProcessOutbox failed: %v", err)
	}

	events := drainEvents(t, eventsQueue)
	if len(events) != 1 {
		t.Fatalf("expected the recovered event, got %d", len(events))
	}
	if created, ok := events[0].(*event.OrderCreated); !ok || created.OrderID != res.ID {
		t.Errorf("unexpected recovered event: %+v", events[0])
	}
	pending, _ = backend.GetUnsentMessages(context.Background())
	if len(pending) != 0 {
		t.Errorf("message should be marked sent, %d still pending", len(pending))
	}
}

func TestStockMutationsEvictCachedProducts(t *testing.T) {
	backend := newFakeBackend(mouse())
	cat := &invalidatingCatalog{fakeBackend: backend}
	eventsQueue := memqueue.New(time.Minute)
	pub := queue.NewPublisher()
	pub.Register(testEventsTopic, eventsQueue)
	svc := NewOrderService(backend, backend, cat, pub, testEventsTopic, zap.NewNop())

	res, err := svc.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if got := cat.evictions(); got != 1 {
		t.Errorf("expected 1 eviction after submission, got %d", got)
	}

	if _, err := svc.CancelOrder(context.Background(), res.ID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if got := cat.evictions(); got != 2 {
		t.Errorf("expected 2 evictions after cancellation, got %d", got)
	}

	// Compensation restocks too, so it evicts as well.
	res2, err := svc.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	ev := &event.PaymentProcessed{OrderID: res2.ID, PaymentID: "pay-1", Status: "failed"}
	if err := svc.HandlePaymentProcessed(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentProcessed failed: %v", err)
	}
	if got := cat.evictions(); got != 4 {
		t.Errorf("expected 4 evictions after compensation, got %d", got)
	}
}

func TestRepublishOrderEvents(t *testing.T) {
	backend := newFakeBackend(mouse())
	svc, eventsQueue := testOrderService(backend)

	res, _ := svc.CreateOrder(context.Background(), createRequest())
	drainEvents(t, eventsQueue)

	count, err := svc.RepublishOrderEvents(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("RepublishOrderEvents failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 republished event, got %d", count)
	}
	if got := len(drainEvents(t, eventsQueue)); got != 1 {
		t.Errorf("expected the event on the channel again, got %d", got)
	}
}
