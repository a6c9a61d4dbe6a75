package payments

import (
	"time"

	"github.com/shopspring/decimal"

	"commerce/internal/domain"
)

type PaymentResponse struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Method         string          `json:"method"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type ListPaymentsRequest struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

// ProcessResult is the outcome of handling one OrderCreated delivery.
// Duplicate means a terminal attempt already existed and its stored result
// was republished without touching the gateway.
type ProcessResult struct {
	Attempt   *domain.PaymentAttempt
	Duplicate bool
}

func mapAttemptToResponse(p *domain.PaymentAttempt) *PaymentResponse {
	return &PaymentResponse{
		ID:             p.ID,
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         string(p.Method),
		Status:         string(p.Status),
		IdempotencyKey: p.IdempotencyKey,
		TransactionID:  p.TransactionID,
		FailureReason:  p.FailureReason,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func mapAttemptsToResponse(attempts []*domain.PaymentAttempt) []*PaymentResponse {
	responses := make([]*PaymentResponse, len(attempts))
	for i, p := range attempts {
		responses[i] = mapAttemptToResponse(p)
	}
	return responses
}
