// Package event defines the closed set of saga events carried by the event
// channel between the order side and the payment side.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeOrderCreated     = "ORDER_CREATED"
	TypePaymentProcessed = "PAYMENT_PROCESSED"
	TypeOrderCancelled   = "ORDER_CANCELLED"
)

// Message attribute keys. The timestamp attribute is advisory only and is
// never used for ordering decisions.
const (
	AttrEventType = "event_type"
	AttrOrderID   = "order_id"
	AttrTimestamp = "timestamp"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedEvent   = errors.New("malformed event payload")
)

// IdempotencyKey derives the payment idempotency key for an order. The
// derivation is deterministic so every redelivery of the same OrderCreated
// event carries the same key.
func IdempotencyKey(orderID string) string {
	return "pay-" + orderID
}

type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type OrderCreated struct {
	OrderID        string          `json:"orderId"`
	OrderNumber    string          `json:"orderNumber"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  string          `json:"paymentMethod"`
	Items          []Item          `json:"items"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

func (e *OrderCreated) Validate() error {
	if e.OrderID == "" || e.UserID == "" {
		return fmt.Errorf("%w: missing order or user id", ErrMalformedEvent)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrMalformedEvent)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrMalformedEvent)
	}
	return nil
}

type PaymentProcessed struct {
	OrderID       string          `json:"orderId"`
	PaymentID     string          `json:"paymentId"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	FailureReason string          `json:"failureReason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type CancelledItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type OrderCancelled struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	UserID      string          `json:"userId"`
	Items       []CancelledItem `json:"items"`
}

// Envelope is the wire shape of every saga event.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Marshal wraps a saga event in an envelope and encodes it. Only the three
// closed-union variants are accepted.
func Marshal(payload any) ([]byte, error) {
	var typ string
	switch payload.(type) {
	case *OrderCreated, OrderCreated:
		typ = TypeOrderCreated
	case *PaymentProcessed, PaymentProcessed:
		typ = TypePaymentProcessed
	case *OrderCancelled, OrderCancelled:
		typ = TypeOrderCancelled
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, payload)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, OccurredAt: time.Now().UTC(), Payload: body})
}

// Decode parses an envelope and returns exactly one of *OrderCreated,
// *PaymentProcessed or *OrderCancelled. Callers dispatch with a type switch;
// the default arm is unreachable for data produced by Marshal.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case TypeOrderCreated:
		var e OrderCreated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return &e, nil
	case TypePaymentProcessed:
		var e PaymentProcessed
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return &e, nil
	case TypeOrderCancelled:
		var e OrderCancelled
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// Attributes builds the queue message metadata for an event.
func Attributes(eventType, orderID string) map[string]string {
	return map[string]string{
		AttrEventType: eventType,
		AttrOrderID:   orderID,
		AttrTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
