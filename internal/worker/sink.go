package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"commerce/internal/queue"
)

// ErrorSink receives messages the worker acknowledged without processing:
// malformed payloads and events that can never succeed. Recording must not
// fail the ack; sinks log their own errors.
type ErrorSink interface {
	Record(ctx context.Context, msg queue.Message, cause error)
}

type deadLetter struct {
	MessageID    string            `json:"message_id"`
	Body         json.RawMessage   `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Error        string            `json:"error"`
	ReceiveCount int               `json:"receive_count"`
	FailedAt     time.Time         `json:"failed_at"`
}

type queueSink struct {
	queue  queue.Queue
	logger *zap.Logger
}

// NewQueueSink forwards rejected messages to a dead-letter queue, wrapped with
// the rejection cause.
func NewQueueSink(q queue.Queue, logger *zap.Logger) ErrorSink {
	return &queueSink{queue: q, logger: logger}
}

func (s *queueSink) Record(ctx context.Context, msg queue.Message, cause error) {
	s.logger.Error("Routing message to error sink",
		zap.String("message_id", msg.ID),
		zap.Int("receive_count", msg.ReceiveCount),
		zap.Error(cause))

	body, err := json.Marshal(deadLetter{
		MessageID:    msg.ID,
		Body:         normalizeBody(msg.Body),
		Attributes:   msg.Attributes,
		Error:        cause.Error(),
		ReceiveCount: msg.ReceiveCount,
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("Failed to encode dead letter", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if err := s.queue.Send(ctx, queue.Outgoing{Body: body}); err != nil {
		s.logger.Error("Failed to forward message to dead-letter queue",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// normalizeBody keeps valid JSON as-is and wraps everything else in a JSON
// string so the dead letter itself always encodes.
func normalizeBody(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}

// LogSink only logs rejected messages; used when no dead-letter queue is
// configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Record(_ context.Context, msg queue.Message, cause error) {
	s.Logger.Error("Discarding unprocessable message",
		zap.String("message_id", msg.ID),
		zap.ByteString("body", msg.Body),
		zap.Error(cause))
}
