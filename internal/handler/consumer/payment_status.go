// Package consumer contains the order service's event consumers.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"commerce/internal/event"
	"commerce/internal/queue"
)

// PaymentStatusHandler applies a payment outcome to the order it belongs to.
type PaymentStatusHandler interface {
	HandlePaymentProcessed(ctx context.Context, ev *event.PaymentProcessed) error
}

// PaymentStatusConsumer drains the payment status channel and projects
// PaymentProcessed events onto orders. Handler failures leave the message
// unacknowledged so the channel redelivers it.
type PaymentStatusConsumer struct {
	queue     queue.Queue
	handler   PaymentStatusHandler
	logger    *zap.Logger
	batchSize int
	waitTime  time.Duration
}

func NewPaymentStatusConsumer(q queue.Queue, h PaymentStatusHandler, batchSize int, waitTime time.Duration, logger *zap.Logger) *PaymentStatusConsumer {
	if batchSize <= 0 || batchSize > queue.MaxBatchSize {
		batchSize = queue.MaxBatchSize
	}
	return &PaymentStatusConsumer{
		queue:     q,
		handler:   h,
		logger:    logger,
		batchSize: batchSize,
		waitTime:  waitTime,
	}
}

func (c *PaymentStatusConsumer) Run(ctx context.Context) {
	c.logger.Info("Payment status consumer started")
	for ctx.Err() == nil {
		msgs, err := c.queue.Receive(ctx, c.batchSize, c.waitTime)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("Failed to receive payment status messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
	c.logger.Info("Payment status consumer stopped")
}

func (c *PaymentStatusConsumer) handle(ctx context.Context, msg queue.Message) {
	decoded, err := event.Decode(msg.Body)
	if err != nil {
		c.logger.Error("Dropping undecodable payment status message",
			zap.String("message_id", msg.ID), zap.Error(err))
		c.ack(ctx, msg)
		return
	}

	ev, ok := decoded.(*event.PaymentProcessed)
	if !ok {
		c.logger.Warn("Dropping unexpected event on payment status channel",
			zap.String("message_id", msg.ID))
		c.ack(ctx, msg)
		return
	}

	if err := c.handler.HandlePaymentProcessed(ctx, ev); err != nil {
		// Left unacknowledged; redelivered after the visibility timeout. The
		// guarded order updates make reapplication harmless.
		c.logger.Warn("Failed to apply payment outcome, leaving for redelivery",
			zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}
	c.ack(ctx, msg)
}

func (c *PaymentStatusConsumer) ack(ctx context.Context, msg queue.Message) {
	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		c.logger.Warn("Failed to acknowledge payment status message",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}
