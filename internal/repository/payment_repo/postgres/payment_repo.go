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
	"commerce/internal/repository/payment_repo"
)

const uniqueViolation = "23505"

type pgPaymentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPaymentRepository(db *sql.DB, l *zap.Logger) payment_repo.PaymentRepository {
	return &pgPaymentRepository{db: db, logger: l}
}

func (r *pgPaymentRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	metadata, err := json.Marshal(attempt.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode payment metadata: %w", err)
	}

	query := `INSERT INTO payments (id, order_id, user_id, amount, currency, method, status, idempotency_key, transaction_id, failure_reason, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.db.ExecContext(ctx, query,
		attempt.ID, attempt.OrderID, attempt.UserID, attempt.Amount, attempt.Currency,
		attempt.Method, attempt.Status, attempt.IdempotencyKey,
		nullString(attempt.TransactionID), nullString(attempt.FailureReason),
		metadata, attempt.CreatedAt, attempt.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to create payment attempt", zap.String("payment_id", attempt.ID), zap.Error(err))
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}
	return nil
}

func (r *pgPaymentRepository) GetByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *pgPaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return r.getOne(ctx, `WHERE idempotency_key = $1`, key)
}

func (r *pgPaymentRepository) getOne(ctx context.Context, where string, arg any) (*domain.PaymentAttempt, error) {
	query := selectColumns + ` FROM payments ` + where
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		r.logger.Error("Failed to get payment attempt", zap.Error(err))
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return attempt, nil
}

func (r *pgPaymentRepository) GetByOrderID(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	query := selectColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at DESC`
	return r.query(ctx, query, orderID)
}

func (r *pgPaymentRepository) List(ctx context.Context, f payment_repo.ListFilter) ([]*domain.PaymentAttempt, error) {
	query := selectColumns + ` FROM payments`
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
	return r.query(ctx, query, args...)
}

func (r *pgPaymentRepository) RecordOutcome(ctx context.Context, id string, status domain.PaymentStatus, transactionID, failureReason string, metadata map[string]any) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode payment metadata: %w", err)
	}

	query := `UPDATE payments SET status = $2, transaction_id = $3, failure_reason = $4, metadata = $5, updated_at = $6
		WHERE id = $1 AND status = $7`
	res, err := r.db.ExecContext(ctx, query, id, status,
		nullString(transactionID), nullString(failureReason), encoded, time.Now(),
		domain.PaymentStatusProcessing)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// transaction_id is unique; a duplicate here means another
			// delivery already recorded this gateway result.
			return domain.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to record payment outcome", zap.String("payment_id", id), zap.Error(err))
		return fmt.Errorf("failed to record payment outcome for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check outcome update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("payment %s is not in processing state: %w", id, domain.ErrPaymentNotFound)
	}
	return nil
}

func (r *pgPaymentRepository) MarkRefunded(ctx context.Context, id, refundID string) error {
	query := `UPDATE payments SET status = $2, metadata = metadata || $3, updated_at = $4 WHERE id = $1 AND status = $5`
	refundMeta, err := json.Marshal(map[string]any{"refund_id": refundID})
	if err != nil {
		return fmt.Errorf("failed to encode refund metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, id, domain.PaymentStatusRefunded, refundMeta, time.Now(), domain.PaymentStatusCompleted)
	if err != nil {
		r.logger.Error("Failed to mark payment refunded", zap.String("payment_id", id), zap.Error(err))
		return fmt.Errorf("failed to mark payment %s refunded: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check refund update result: %w", err)
	}
	if affected == 0 {
		return domain.ErrRefundNotAllowed
	}
	return nil
}

func (r *pgPaymentRepository) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.PaymentAttempt, error) {
	query := selectColumns + ` FROM payments WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	return r.query(ctx, query, domain.PaymentStatusProcessing, time.Now().Add(-olderThan))
}

func (r *pgPaymentRepository) query(ctx context.Context, query string, args ...any) ([]*domain.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query payment attempts", zap.Error(err))
		return nil, fmt.Errorf("failed to query payment attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt row: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return attempts, nil
}

const selectColumns = `SELECT id, order_id, user_id, amount, currency, method, status, idempotency_key, transaction_id, failure_reason, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	attempt := &domain.PaymentAttempt{}
	var transactionID, failureReason sql.NullString
	var metadata []byte
	if err := row.Scan(
		&attempt.ID, &attempt.OrderID, &attempt.UserID, &attempt.Amount,
		&attempt.Currency, &attempt.Method, &attempt.Status, &attempt.IdempotencyKey,
		&transactionID, &failureReason, &metadata,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	attempt.TransactionID = transactionID.String
	attempt.FailureReason = failureReason.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &attempt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode payment metadata: %w", err)
		}
	}
	return attempt, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
