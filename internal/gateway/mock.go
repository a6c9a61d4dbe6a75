package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce/internal/util"
)

// MockGateway simulates a payment provider: a fixed processing latency and a
// configurable decline rate. It respects context cancellation while the
// simulated call is in flight so gateway timeouts behave like the real thing.
type MockGateway struct {
	latency     time.Duration
	declineRate float64
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockGateway(latency time.Duration, declineRate float64, logger *zap.Logger) *MockGateway {
	return &MockGateway{
		latency:     latency,
		declineRate: declineRate,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.logger.Info("Processing payment",
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", string(req.Method)))

	if err := g.sleep(ctx); err != nil {
		return nil, err
	}

	if g.roll() < g.declineRate {
		g.logger.Info("Payment declined", zap.String("order_id", req.OrderID))
		return &ChargeResult{
			Success:       false,
			FailureReason: "Payment declined by issuer",
		}, nil
	}

	transactionID := "txn_" + util.GenerateUUID()
	g.logger.Info("Payment successful",
		zap.String("order_id", req.OrderID),
		zap.String("transaction_id", transactionID))
	return &ChargeResult{Success: true, TransactionID: transactionID}, nil
}

func (g *MockGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	g.logger.Info("Refunding payment",
		zap.String("transaction_id", transactionID),
		zap.String("amount", amount.String()))

	if err := g.sleep(ctx); err != nil {
		return nil, err
	}

	refundID := "ref_" + util.GenerateUUID()
	g.logger.Info("Refund successful", zap.String("refund_id", refundID))
	return &RefundResult{Success: true, RefundID: refundID}, nil
}

func (g *MockGateway) sleep(ctx context.Context) error {
	if g.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(g.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *MockGateway) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}
