package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "credit_card"
	PaymentMethodDebitCard    PaymentMethod = "debit_card"
	PaymentMethodPayPal       PaymentMethod = "paypal"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

const DefaultCurrency = "USD"

var (
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrDuplicateIdempotencyKey = errors.New("payment attempt already exists for idempotency key")
	ErrInvalidPaymentMethod    = errors.New("unknown payment method")
	ErrInvalidAmount           = errors.New("payment amount must be positive")
	ErrRefundNotAllowed        = errors.New("only completed payments can be refunded")
)

// PaymentAttempt is the durable record of one logical charge. At most one
// attempt ever exists per idempotency key; the unique constraint in the
// payment store is the authoritative dedup mechanism.
type PaymentAttempt struct {
	ID             string
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Method         PaymentMethod
	Status         PaymentStatus
	IdempotencyKey string
	TransactionID  string
	FailureReason  string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewPaymentAttempt constructs an attempt in processing state, written ahead
// of the gateway call. Currency is normalized here; no normalization happens
// on save.
func NewPaymentAttempt(id, orderID, userID, idempotencyKey string, amount decimal.Decimal, currency string, method PaymentMethod) (*PaymentAttempt, error) {
	if id == "" || orderID == "" || userID == "" || idempotencyKey == "" {
		return nil, errors.New("payment attempt requires id, order id, user id and idempotency key")
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("currency %q must be a 3-letter code", currency)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%q: %w", method, ErrInvalidPaymentMethod)
	}

	now := time.Now()
	return &PaymentAttempt{
		ID:             id,
		OrderID:        orderID,
		UserID:         userID,
		Amount:         amount,
		Currency:       currency,
		Method:         method,
		Status:         PaymentStatusProcessing,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodPayPal, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// Terminal reports whether the attempt has reached a final state. Redelivered
// events for a terminal attempt republish the stored result instead of
// touching the gateway again.
func (p *PaymentAttempt) Terminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}
