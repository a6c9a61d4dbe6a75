package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrEmptyOrder         = errors.New("order must contain at least one item")
	ErrInvalidQuantity    = errors.New("item quantity must be at least 1")
	ErrInvalidPrice       = errors.New("item price must not be negative")
	ErrInvalidAddress     = errors.New("shipping address is incomplete")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrInvalidOrderStatus = errors.New("unknown order status")
)

// statusRank orders the forward-only lifecycle. Cancelled sits outside the
// progression and is reachable only through Cancel.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

type ShippingAddress struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a ShippingAddress) Validate() error {
	if a.Street == "" || a.City == "" || a.PostalCode == "" || a.Country == "" {
		return ErrInvalidAddress
	}
	return nil
}

// OrderItem is owned exclusively by one Order. Subtotal is always recomputed
// from the authoritative price, never taken from the caller.
type OrderItem struct {
	ProductID   string
	ProductName string
	Quantity    int
	Price       decimal.Decimal
	Subtotal    decimal.Decimal
}

type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	ShippingAddress ShippingAddress
	Notes           string
	Status          OrderStatus
	PaymentStatus   OrderPaymentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrder builds a pending order. Item subtotals and the order total are
// recomputed here from the unit prices the caller resolved against the
// catalog; client-submitted amounts never reach this constructor.
func NewOrder(id, userID string, items []OrderItem, addr ShippingAddress, notes string) (*Order, error) {
	if id == "" || userID == "" {
		return nil, errors.New("order id and user id are required")
	}
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	if err := addr.Validate(); err != nil {
		return nil, err
	}

	total := decimal.Zero
	normalized := make([]OrderItem, len(items))
	for i, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, ErrInvalidQuantity)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, ErrInvalidPrice)
		}
		item.Subtotal = item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		normalized[i] = item
		total = total.Add(item.Subtotal)
	}

	now := time.Now()
	return &Order{
		ID:              id,
		OrderNumber:     NewOrderNumber(),
		UserID:          userID,
		Items:           normalized,
		TotalAmount:     total,
		ShippingAddress: addr,
		Notes:           notes,
		Status:          OrderStatusPending,
		PaymentStatus:   OrderPaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NewOrderNumber generates a human-readable order number in the form
// ORD-<unix-millis>-<random>.
func NewOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%04d", time.Now().UnixMilli(), rand.Intn(10000))
}

// CanTransitionTo reports whether the forward progression allows moving to
// next. Cancellation is handled separately by Cancel.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Cancellable reports whether an order in this status may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	}
	return false
}

func (o *Order) SetStatus(next OrderStatus) error {
	if next == OrderStatusCancelled {
		return o.Cancel()
	}
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", o.Status, next, ErrInvalidTransition)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// Cancel moves the order to cancelled. The caller is responsible for
// restoring reserved inventory in the same transaction that persists this
// transition.
func (o *Order) Cancel() error {
	if !o.Status.Cancellable() {
		return fmt.Errorf("cannot cancel order in status %s: %w", o.Status, ErrInvalidTransition)
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// SetPaymentStatus is driven by the payment worker's PaymentProcessed event
// and by the refund path; it is never applied from client input.
func (o *Order) SetPaymentStatus(ps OrderPaymentStatus) error {
	switch ps {
	case OrderPaymentPending, OrderPaymentPaid, OrderPaymentFailed, OrderPaymentRefunded:
	default:
		return fmt.Errorf("unknown payment status %q", ps)
	}
	o.PaymentStatus = ps
	o.UpdatedAt = time.Now()
	return nil
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if _, ok := statusRank[st]; ok {
		return st, nil
	}
	if st == OrderStatusCancelled {
		return st, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidOrderStatus)
}
