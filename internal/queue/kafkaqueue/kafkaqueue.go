// Package kafkaqueue adapts a Kafka topic to the queue.Queue contract. Kafka
// consumer groups track one committed offset per partition, so the adapter
// keeps every fetched message in-process until it is deleted: a message left
// unacknowledged by its handler is re-served after the visibility timeout,
// and Delete commits only the contiguous acknowledged prefix of a partition.
// Without that, acknowledging offset N+1 would move the group past a still
// unacknowledged offset N and the message would never be delivered again.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"commerce/internal/queue"
)

var ErrUnknownReceipt = errors.New("unknown receipt handle")

const drainTimeout = 100 * time.Millisecond

type Queue struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	tracker *tracker
	logger  *zap.Logger
}

// New builds a queue over one topic. groupID may be empty for publish-only
// use; Receive and Delete then return an error. visibility is how long a
// delivered message stays invisible before it is re-served in-process.
func New(brokers []string, topic, groupID string, visibility time.Duration, logger *zap.Logger) *Queue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}

	var reader *kafka.Reader
	if groupID != "" {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:           brokers,
			GroupID:           groupID,
			Topic:             topic,
			MinBytes:          10e3,
			MaxBytes:          10e6,
			HeartbeatInterval: 3 * time.Second,
			MaxAttempts:       3,
			Logger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
			ErrorLogger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		})
	}

	return &Queue{
		writer:  writer,
		reader:  reader,
		tracker: newTracker(visibility),
		logger:  logger,
	}
}

func (q *Queue) Send(ctx context.Context, out queue.Outgoing) error {
	if len(out.Body) == 0 {
		return queue.ErrEmptyBody
	}
	return q.write(ctx, toKafkaMessage(out))
}

func (q *Queue) SendBatch(ctx context.Context, batch []queue.Outgoing) error {
	for _, chunk := range queue.Chunk(batch) {
		msgs := make([]kafka.Message, len(chunk))
		for i, out := range chunk {
			if len(out.Body) == 0 {
				return queue.ErrEmptyBody
			}
			msgs[i] = toKafkaMessage(out)
		}
		if err := q.write(ctx, msgs...); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) write(ctx context.Context, msgs ...kafka.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, q.writer.WriteTimeout)
	defer cancel()
	if err := q.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", q.writer.Topic, err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if q.reader == nil {
		return nil, errors.New("queue has no consumer group configured")
	}
	if max <= 0 {
		max = 1
	}
	if max > queue.MaxBatchSize {
		max = queue.MaxBatchSize
	}

	// Expired in-flight messages take priority over new fetches: they are the
	// retryable failures waiting for another attempt.
	msgs := q.tracker.Redeliver(max)
	if len(msgs) > 0 {
		q.logger.Info("Re-serving messages past their visibility timeout", zap.Int("count", len(msgs)))
	}

	// Block up to wait for the first new message, then drain whatever else is
	// immediately available to fill the batch.
	if len(msgs) == 0 {
		first, err := q.fetch(ctx, wait)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		msgs = append(msgs, q.tracker.Track(first))
	}

	for len(msgs) < max {
		m, err := q.fetch(ctx, drainTimeout)
		if err != nil {
			break
		}
		msgs = append(msgs, q.tracker.Track(m))
	}
	return msgs, nil
}

func (q *Queue) fetch(ctx context.Context, timeout time.Duration) (kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return q.reader.FetchMessage(fetchCtx)
}

func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	if q.reader == nil {
		return errors.New("queue has no consumer group configured")
	}

	commit, ready, err := q.tracker.Ack(receiptHandle)
	if err != nil {
		return err
	}
	if !ready {
		// An earlier offset in this partition is still outstanding; its
		// eventual acknowledgement carries this one forward.
		return nil
	}

	if err := q.reader.CommitMessages(ctx, commit); err != nil {
		// Commits are cumulative, so a later successful commit supersedes
		// this one; a crash before then only causes redelivery.
		return fmt.Errorf("failed to commit offset for %s: %w", receiptHandle, err)
	}
	return nil
}

func (q *Queue) Close() error {
	var errs []error
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if q.reader != nil {
		if err := q.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toKafkaMessage(out queue.Outgoing) kafka.Message {
	headers := make([]kafka.Header, 0, len(out.Attributes))
	for k, v := range out.Attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	var key []byte
	if orderID, ok := out.Attributes["order_id"]; ok {
		key = []byte(orderID)
	}
	return kafka.Message{Key: key, Value: out.Body, Headers: headers, Time: time.Now().UTC()}
}
