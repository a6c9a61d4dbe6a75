package payment_repo

import (
	"context"
	"time"

	"commerce/internal/domain"
)

type ListFilter struct {
	UserID string
	Status domain.PaymentStatus
	Limit  int
	Offset int
}

type PaymentRepository interface {
	// Create inserts a new attempt. Inserting a second attempt for the same
	// idempotency key fails with domain.ErrDuplicateIdempotencyKey — the
	// unique constraint, not the caller's pre-check, is the authoritative
	// dedup mechanism.
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error

	GetByID(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)
	GetByOrderID(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error)
	List(ctx context.Context, f ListFilter) ([]*domain.PaymentAttempt, error)

	// RecordOutcome moves a processing attempt to its terminal state together
	// with the gateway transaction id, failure reason and raw gateway
	// metadata.
	RecordOutcome(ctx context.Context, id string, status domain.PaymentStatus, transactionID, failureReason string, metadata map[string]any) error

	// MarkRefunded transitions completed -> refunded, guarded so that
	// concurrent duplicate refunds transition at most once; the loser gets
	// domain.ErrRefundNotAllowed.
	MarkRefunded(ctx context.Context, id, refundID string) error

	// ListStaleProcessing returns attempts stuck in processing longer than
	// olderThan — the write-ahead rows a crash leaves behind for the
	// reconciliation pass to inspect.
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.PaymentAttempt, error)
}
