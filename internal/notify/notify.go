// Package notify is the fire-and-forget notification sink. Failures are
// logged and never influence the saga outcome.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"commerce/internal/queue"
)

const (
	TypePaymentSuccess = "payment_success"
	TypePaymentFailed  = "payment_failed"
	TypeOrderCancelled = "order_cancelled"
)

type Notifier interface {
	Notify(ctx context.Context, notificationType, recipient string, data map[string]any)
}

type message struct {
	Type      string         `json:"type"`
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

type queueNotifier struct {
	queue  queue.Queue
	logger *zap.Logger
}

func NewQueueNotifier(q queue.Queue, logger *zap.Logger) Notifier {
	return &queueNotifier{queue: q, logger: logger}
}

func (n *queueNotifier) Notify(ctx context.Context, notificationType, recipient string, data map[string]any) {
	body, err := json.Marshal(message{
		Type:      notificationType,
		Recipient: recipient,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error("Failed to marshal notification", zap.String("type", notificationType), zap.Error(err))
		return
	}

	out := queue.Outgoing{
		Body:       body,
		Attributes: map[string]string{"notification_type": notificationType},
	}
	if err := n.queue.Send(ctx, out); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("type", notificationType),
			zap.String("recipient", recipient),
			zap.Error(err))
	}
}

// NopNotifier discards notifications; used where the sink is not wired.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, map[string]any) {}
