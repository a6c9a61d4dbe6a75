// Package payments implements the payment-side application service: the
// effective-once charge flow driven by OrderCreated events, refunds, and
// payment queries.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce/internal/domain"
	"commerce/internal/event"
	"commerce/internal/gateway"
	"commerce/internal/notify"
	"commerce/internal/queue"
	"commerce/internal/repository/payment_repo"
	"commerce/internal/util"
)

// ErrRefundDeclined marks a gateway-declined refund; the payment stays
// completed.
var ErrRefundDeclined = errors.New("gateway declined refund")

type PaymentService interface {
	// ProcessOrderCreated handles one delivery of an OrderCreated event. The
	// delivery channel is at-least-once; the idempotency key makes the charge
	// effective-once regardless of how many times the same event arrives.
	ProcessOrderCreated(ctx context.Context, ev *event.OrderCreated) (*ProcessResult, error)
	HandleOrderCancelled(ctx context.Context, ev *event.OrderCancelled) error

	GetPayment(ctx context.Context, id string) (*PaymentResponse, error)
	GetPaymentsByOrder(ctx context.Context, orderID string) ([]*PaymentResponse, error)
	ListPayments(ctx context.Context, req *ListPaymentsRequest) ([]*PaymentResponse, error)

	Refund(ctx context.Context, paymentID string) (*PaymentResponse, error)

	// ListStaleAttempts returns attempts stuck in processing beyond the stale
	// threshold, for operators reconciling against the gateway after a crash.
	ListStaleAttempts(ctx context.Context) ([]*PaymentResponse, error)
}

type paymentService struct {
	payments       payment_repo.PaymentRepository
	gateway        gateway.Gateway
	pub            *queue.Publisher
	statusTopic    string
	notifier       notify.Notifier
	gatewayTimeout time.Duration
	staleThreshold time.Duration
	logger         *zap.Logger
}

func NewPaymentService(
	payments payment_repo.PaymentRepository,
	gw gateway.Gateway,
	pub *queue.Publisher,
	statusTopic string,
	notifier notify.Notifier,
	gatewayTimeout, staleThreshold time.Duration,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		payments:       payments,
		gateway:        gw,
		pub:            pub,
		statusTopic:    statusTopic,
		notifier:       notifier,
		gatewayTimeout: gatewayTimeout,
		staleThreshold: staleThreshold,
		logger:         logger,
	}
}

func (s *paymentService) ProcessOrderCreated(ctx context.Context, ev *event.OrderCreated) (*ProcessResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.With(
		zap.String("order_id", ev.OrderID),
		zap.String("idempotency_key", ev.IdempotencyKey))

	attempt, err := s.payments.GetByIdempotencyKey(ctx, ev.IdempotencyKey)
	switch {
	case err == nil:
		if attempt.Terminal() {
			// Redelivery of an already-decided charge: republish the stored
			// result, never call the gateway.
			log.Info("Duplicate delivery for terminal attempt, republishing stored outcome",
				zap.String("payment_id", attempt.ID), zap.String("status", string(attempt.Status)))
			if err := s.publishOutcome(ctx, attempt); err != nil {
				return nil, err
			}
			return &ProcessResult{Attempt: attempt, Duplicate: true}, nil
		}
		// An earlier delivery wrote the attempt but crashed or timed out
		// before recording an outcome. Resume from the gateway call.
		log.Info("Resuming in-flight attempt", zap.String("payment_id", attempt.ID))

	case errors.Is(err, domain.ErrPaymentNotFound):
		attempt, err = s.createAttempt(ctx, ev, log)
		if err != nil {
			return nil, err
		}
		if attempt.Terminal() {
			// Lost the insert race to a delivery that already finished.
			if err := s.publishOutcome(ctx, attempt); err != nil {
				return nil, err
			}
			return &ProcessResult{Attempt: attempt, Duplicate: true}, nil
		}

	default:
		return nil, fmt.Errorf("failed to look up attempt for key %s: %w", ev.IdempotencyKey, err)
	}

	if err := s.charge(ctx, ev, attempt, log); err != nil {
		return nil, err
	}

	if err := s.publishOutcome(ctx, attempt); err != nil {
		return nil, err
	}
	s.notifyOutcome(ctx, ev, attempt)
	return &ProcessResult{Attempt: attempt}, nil
}

// createAttempt writes the processing row ahead of the gateway call. The
// unique idempotency key constraint, not the preceding lookup, decides races:
// the loser fetches the winner's row and continues from its state.
func (s *paymentService) createAttempt(ctx context.Context, ev *event.OrderCreated, log *zap.Logger) (*domain.PaymentAttempt, error) {
	attempt, err := domain.NewPaymentAttempt(
		util.GenerateUUID(), ev.OrderID, ev.UserID, ev.IdempotencyKey,
		ev.Amount, ev.Currency, domain.PaymentMethod(ev.PaymentMethod))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrMalformedEvent, err)
	}

	err = s.payments.Create(ctx, attempt)
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		existing, getErr := s.payments.GetByIdempotencyKey(ctx, ev.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("failed to fetch attempt after duplicate insert: %w", getErr)
		}
		log.Info("Concurrent delivery already created attempt",
			zap.String("payment_id", existing.ID), zap.String("status", string(existing.Status)))
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("Payment attempt created", zap.String("payment_id", attempt.ID))
	return attempt, nil
}

func (s *paymentService) charge(ctx context.Context, ev *event.OrderCreated, attempt *domain.PaymentAttempt, log *zap.Logger) error {
	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	result, err := s.gateway.Charge(cctx, gateway.ChargeRequest{
		OrderID:  attempt.OrderID,
		UserID:   attempt.UserID,
		Amount:   attempt.Amount,
		Currency: attempt.Currency,
		Method:   attempt.Method,
		Metadata: map[string]string{
			"order_number":    ev.OrderNumber,
			"idempotency_key": attempt.IdempotencyKey,
		},
	})
	if err != nil {
		// Transport failure or timeout: the attempt stays in processing and
		// the redelivery resumes it.
		return fmt.Errorf("gateway charge for order %s: %w", attempt.OrderID, err)
	}

	status := domain.PaymentStatusCompleted
	if !result.Success {
		status = domain.PaymentStatusFailed
	}
	metadata := map[string]any{"processed_at": time.Now().UTC().Format(time.RFC3339)}

	if err := s.payments.RecordOutcome(ctx, attempt.ID, status, result.TransactionID, result.FailureReason, metadata); err != nil {
		// Includes losing the outcome race to a concurrent delivery; the
		// redelivery finds the attempt terminal and republishes.
		return fmt.Errorf("failed to record outcome for payment %s: %w", attempt.ID, err)
	}

	attempt.Status = status
	attempt.TransactionID = result.TransactionID
	attempt.FailureReason = result.FailureReason
	attempt.Metadata = metadata
	attempt.UpdatedAt = time.Now()

	if result.Success {
		log.Info("Payment completed",
			zap.String("payment_id", attempt.ID),
			zap.String("transaction_id", result.TransactionID),
			zap.String("amount", attempt.Amount.String()))
	} else {
		log.Warn("Payment declined",
			zap.String("payment_id", attempt.ID),
			zap.String("failure_reason", result.FailureReason))
	}
	return nil
}

func (s *paymentService) HandleOrderCancelled(ctx context.Context, ev *event.OrderCancelled) error {
	s.notifier.Notify(ctx, notify.TypeOrderCancelled, ev.UserID, map[string]any{
		"order_id":     ev.OrderID,
		"order_number": ev.OrderNumber,
	})
	return nil
}

func (s *paymentService) GetPayment(ctx context.Context, id string) (*PaymentResponse, error) {
	attempt, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return mapAttemptToResponse(attempt), nil
}

func (s *paymentService) GetPaymentsByOrder(ctx context.Context, orderID string) ([]*PaymentResponse, error) {
	attempts, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return mapAttemptsToResponse(attempts), nil
}

func (s *paymentService) ListPayments(ctx context.Context, req *ListPaymentsRequest) ([]*PaymentResponse, error) {
	attempts, err := s.payments.List(ctx, payment_repo.ListFilter{
		UserID: req.UserID,
		Status: domain.PaymentStatus(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return mapAttemptsToResponse(attempts), nil
}

// Refund reverses a completed payment. The guarded completed -> refunded
// transition in the store keeps concurrent duplicate refund requests from
// refunding twice.
func (s *paymentService) Refund(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	attempt, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != domain.PaymentStatusCompleted {
		return nil, fmt.Errorf("payment %s in status %s: %w", paymentID, attempt.Status, domain.ErrRefundNotAllowed)
	}

	cctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	result, err := s.gateway.Refund(cctx, attempt.TransactionID, attempt.Amount)
	if err != nil {
		return nil, fmt.Errorf("gateway refund for payment %s: %w", paymentID, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrRefundDeclined)
	}

	if err := s.payments.MarkRefunded(ctx, paymentID, result.RefundID); err != nil {
		return nil, err
	}
	attempt.Status = domain.PaymentStatusRefunded
	attempt.UpdatedAt = time.Now()

	s.logger.Info("Payment refunded",
		zap.String("payment_id", paymentID),
		zap.String("order_id", attempt.OrderID),
		zap.String("refund_id", result.RefundID))

	if err := s.publishOutcome(ctx, attempt); err != nil {
		// The refund is durable; only the order-side projection lags.
		s.logger.Warn("Failed to publish refund outcome",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
	return mapAttemptToResponse(attempt), nil
}

func (s *paymentService) ListStaleAttempts(ctx context.Context) ([]*PaymentResponse, error) {
	attempts, err := s.payments.ListStaleProcessing(ctx, s.staleThreshold)
	if err != nil {
		return nil, err
	}
	return mapAttemptsToResponse(attempts), nil
}

func (s *paymentService) publishOutcome(ctx context.Context, attempt *domain.PaymentAttempt) error {
	payload, err := event.Marshal(&event.PaymentProcessed{
		OrderID:       attempt.OrderID,
		PaymentID:     attempt.ID,
		Status:        string(attempt.Status),
		TransactionID: attempt.TransactionID,
		Amount:        attempt.Amount,
		FailureReason: attempt.FailureReason,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to build payment processed event: %w", err)
	}
	out := queue.Outgoing{
		Body:       payload,
		Attributes: event.Attributes(event.TypePaymentProcessed, attempt.OrderID),
	}
	if err := s.pub.Publish(ctx, s.statusTopic, out); err != nil {
		return fmt.Errorf("failed to publish payment outcome for %s: %w", attempt.ID, err)
	}
	return nil
}

func (s *paymentService) notifyOutcome(ctx context.Context, ev *event.OrderCreated, attempt *domain.PaymentAttempt) {
	data := map[string]any{
		"order_id":     attempt.OrderID,
		"order_number": ev.OrderNumber,
		"amount":       attempt.Amount.String(),
	}
	switch attempt.Status {
	case domain.PaymentStatusCompleted:
		data["transaction_id"] = attempt.TransactionID
		s.notifier.Notify(ctx, notify.TypePaymentSuccess, attempt.UserID, data)
	case domain.PaymentStatusFailed:
		data["failure_reason"] = attempt.FailureReason
		s.notifier.Notify(ctx, notify.TypePaymentFailed, attempt.UserID, data)
	}
}
