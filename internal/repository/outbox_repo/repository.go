package outbox_repo

import (
	"context"
	"time"
)

type OutboxStatus string

const (
	StatusPending OutboxStatus = "PENDING"
	StatusSent    OutboxStatus = "SENT"
	StatusFailed  OutboxStatus = "FAILED"
)

// OutboxMessage is a saga event awaiting publication. It is written in the
// same transaction as the state change it announces, so a commit implies the
// event will eventually reach the channel.
type OutboxMessage struct {
	ID        string       `json:"id"`
	OrderID   string       `json:"order_id"`
	EventType string       `json:"event_type"`
	Topic     string       `json:"topic"`
	Payload   []byte       `json:"payload"`
	Status    OutboxStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	SentAt    *time.Time   `json:"sent_at"`
}

type OutboxRepository interface {
	GetUnsentMessages(ctx context.Context) ([]*OutboxMessage, error)
	// GetMessagesByOrderID returns every outbox entry for an order regardless
	// of status; the reconciliation path uses it to re-publish.
	GetMessagesByOrderID(ctx context.Context, orderID string) ([]*OutboxMessage, error)
	MarkMessageSent(ctx context.Context, id string) error
}
