// Package queue defines the at-least-once event channel contract: long-poll
// receive, per-message acknowledgement by receipt handle, and redelivery of
// unacknowledged messages after a visibility timeout.
package queue

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize is the hard per-call limit on batch publishes. Larger batches
// are chunked by SendBatch implementations.
const MaxBatchSize = 10

var ErrEmptyBody = errors.New("message body must not be empty")

// Outgoing is a message to be published.
type Outgoing struct {
	Body       []byte
	Attributes map[string]string
}

// Message is a delivered message. ReceiptHandle identifies this particular
// delivery and is required to acknowledge it; ReceiveCount grows with each
// redelivery.
type Message struct {
	ID            string
	Body          []byte
	Attributes    map[string]string
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is an at-least-once channel. A received message that is not deleted
// becomes visible again after the channel's visibility timeout; consumers must
// therefore be idempotent.
type Queue interface {
	Send(ctx context.Context, out Outgoing) error
	SendBatch(ctx context.Context, batch []Outgoing) error
	// Receive blocks up to wait for at least one message (long poll) and
	// returns at most max messages. It returns an empty slice when the wait
	// elapses with nothing to deliver.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Delete acknowledges a delivery, removing the message from the channel.
	Delete(ctx context.Context, receiptHandle string) error
}

// Chunk splits a batch into channel-sized pieces.
func Chunk(batch []Outgoing) [][]Outgoing {
	if len(batch) == 0 {
		return nil
	}
	chunks := make([][]Outgoing, 0, (len(batch)+MaxBatchSize-1)/MaxBatchSize)
	for len(batch) > MaxBatchSize {
		chunks = append(chunks, batch[:MaxBatchSize])
		batch = batch[MaxBatchSize:]
	}
	return append(chunks, batch)
}
