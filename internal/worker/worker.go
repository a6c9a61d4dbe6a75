// Package worker runs the payment worker: it polls the order events channel,
// dispatches each event to the payment service, and decides per delivery
// whether to acknowledge, leave for redelivery, or route to the error sink.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"commerce/internal/app/payments"
	"commerce/internal/event"
	"commerce/internal/metrics"
	"commerce/internal/queue"
)

// Processor is the payment-side handler the worker drives.
type Processor interface {
	ProcessOrderCreated(ctx context.Context, ev *event.OrderCreated) (*payments.ProcessResult, error)
	HandleOrderCancelled(ctx context.Context, ev *event.OrderCancelled) error
}

type Config struct {
	BatchSize     int
	WaitTime      time.Duration
	Concurrency   int64
	ShutdownGrace time.Duration
}

type Worker struct {
	queue     queue.Queue
	processor Processor
	sink      ErrorSink
	metrics   *metrics.WorkerMetrics
	logger    *zap.Logger
	cfg       Config

	sem     *semaphore.Weighted
	polling atomic.Bool
	wg      sync.WaitGroup
}

func New(q queue.Queue, p Processor, sink ErrorSink, m *metrics.WorkerMetrics, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 || cfg.BatchSize > queue.MaxBatchSize {
		cfg.BatchSize = queue.MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		queue:     q,
		processor: p,
		sink:      sink,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Run polls until ctx is cancelled, then drains in-flight handlers for up to
// the shutdown grace period. Handlers run on a context independent of the
// polling context so shutdown does not abort work mid-charge.
func (w *Worker) Run(ctx context.Context) error {
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	w.logger.Info("Payment worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int64("concurrency", w.cfg.Concurrency))

	for ctx.Err() == nil {
		msgs, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("Failed to receive from event channel", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) > 0 {
			w.metrics.PollBatches.Inc()
		}

		for _, msg := range msgs {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				// Shutting down; the unacknowledged message is redelivered.
				break
			}
			w.wg.Add(1)
			go func(m queue.Message) {
				defer w.wg.Done()
				defer w.sem.Release(1)
				w.handle(handlerCtx, m)
			}(msg)
		}
	}

	w.logger.Info("Payment worker draining", zap.Duration("grace", w.cfg.ShutdownGrace))
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("Shutdown grace elapsed, aborting in-flight handlers")
		cancelHandlers()
		<-done
	}
	w.logger.Info("Payment worker stopped")
	return nil
}

// poll is single-flight: a second poll entering while one is outstanding
// returns immediately instead of stacking receives that would double-deliver
// a burst to the same process.
func (w *Worker) poll(ctx context.Context) ([]queue.Message, error) {
	if !w.polling.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer w.polling.Store(false)
	return w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.WaitTime)
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	timer := prometheus.NewTimer(w.metrics.HandleSeconds)
	defer timer.ObserveDuration()

	decoded, err := event.Decode(msg.Body)
	if err != nil {
		w.reject(ctx, msg, err)
		return
	}

	switch ev := decoded.(type) {
	case *event.OrderCreated:
		result, err := w.processor.ProcessOrderCreated(ctx, ev)
		if err != nil {
			w.fail(ctx, msg, err)
			return
		}
		w.ack(ctx, msg)
		outcome := string(result.Attempt.Status)
		if result.Duplicate {
			outcome = "duplicate"
		}
		w.metrics.Processed.WithLabelValues(outcome).Inc()

	case *event.OrderCancelled:
		if err := w.processor.HandleOrderCancelled(ctx, ev); err != nil {
			w.fail(ctx, msg, err)
			return
		}
		w.ack(ctx, msg)
		w.metrics.Processed.WithLabelValues("completed").Inc()

	case *event.PaymentProcessed:
		// Payment outcomes belong on the status channel, not here.
		w.reject(ctx, msg, fmt.Errorf("%w: %s on order events channel", event.ErrUnknownEventType, event.TypePaymentProcessed))
	}
}

// fail applies the classification: retryable errors leave the message
// unacknowledged for redelivery, non-retryable ones are acknowledged and
// routed to the error sink.
func (w *Worker) fail(ctx context.Context, msg queue.Message, err error) {
	class, reason := Classify(err)
	log := w.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("classification", string(class)),
		zap.String("reason", reason),
		zap.Int("receive_count", msg.ReceiveCount),
		zap.Error(err))

	if class == ClassRetryable {
		log.Warn("Handler failed, leaving message for redelivery")
		w.metrics.Processed.WithLabelValues("retryable").Inc()
		return
	}
	log.Warn("Handler failed permanently, routing to error sink")
	w.reject(ctx, msg, err)
}

// reject acknowledges a message that can never succeed, then records it in
// the error sink. Ack first: redelivering a poison message buys nothing.
func (w *Worker) reject(ctx context.Context, msg queue.Message, cause error) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("Failed to acknowledge rejected message; it will be redelivered",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	w.sink.Record(ctx, msg, cause)
	w.metrics.Processed.WithLabelValues("dropped").Inc()
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		// Redelivery is safe; the idempotency key collapses the duplicate.
		w.logger.Warn("Failed to acknowledge message; duplicate delivery expected",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}
