// Package gateway defines the payment gateway adapter. A gateway-declared
// decline is a successful call with Success=false — a terminal business
// outcome, not a transport error.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"commerce/internal/domain"
)

type ChargeRequest struct {
	OrderID  string
	UserID   string
	Amount   decimal.Decimal
	Currency string
	Method   domain.PaymentMethod
	Metadata map[string]string
}

type ChargeResult struct {
	Success       bool
	TransactionID string
	FailureReason string
}

type RefundResult struct {
	Success  bool
	RefundID string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error)
}
