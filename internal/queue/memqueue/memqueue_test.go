package memqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"commerce/internal/queue"
)

func TestQueue_SendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	q := New(time.Minute)

	if err := q.Send(ctx, queue.Outgoing{Body: []byte("hello"), Attributes: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Body) != "hello" || msgs[0].Attributes["k"] != "v" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].ReceiveCount != 1 {
		t.Errorf("expected receive count 1, got %d", msgs[0].ReceiveCount)
	}

	if err := q.Delete(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_RejectsEmptyBody(t *testing.T) {
	q := New(time.Minute)
	if err := q.Send(context.Background(), queue.Outgoing{}); !errors.Is(err, queue.ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

func TestQueue_InvisibleWhileInFlight(t *testing.T) {
	ctx := context.Background()
	q := New(time.Minute)
	q.Send(ctx, queue.Outgoing{Body: []byte("m1")})

	first, _ := q.Receive(ctx, 1, 50*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}

	// While the visibility timeout runs the message must not be redelivered.
	second, _ := q.Receive(ctx, 1, 50*time.Millisecond)
	if len(second) != 0 {
		t.Fatalf("in-flight message redelivered: %+v", second)
	}
}

func TestQueue_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := New(30 * time.Millisecond)
	q.Send(ctx, queue.Outgoing{Body: []byte("m1")})

	first, _ := q.Receive(ctx, 1, 50*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("expected first delivery, got %d messages", len(first))
	}

	second, err := q.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatal("expected redelivery after visibility timeout")
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("expected receive count 2, got %d", second[0].ReceiveCount)
	}

	// The old handle is dead once the message was redelivered.
	if err := q.Delete(ctx, first[0].ReceiptHandle); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("expected ErrUnknownReceipt for stale handle, got %v", err)
	}
	if err := q.Delete(ctx, second[0].ReceiptHandle); err != nil {
		t.Errorf("current handle should delete: %v", err)
	}
}

func TestQueue_ReceiveHonorsMaxAndBatchCap(t *testing.T) {
	ctx := context.Background()
	q := New(time.Minute)
	for i := 0; i < 15; i++ {
		q.Send(ctx, queue.Outgoing{Body: []byte(fmt.Sprintf("m%d", i))})
	}

	msgs, _ := q.Receive(ctx, 3, 50*time.Millisecond)
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}

	// Asking beyond the channel cap is clamped.
	msgs, _ = q.Receive(ctx, 100, 50*time.Millisecond)
	if len(msgs) != queue.MaxBatchSize {
		t.Errorf("expected %d messages, got %d", queue.MaxBatchSize, len(msgs))
	}
}

func TestQueue_ReceiveLongPoll(t *testing.T) {
	ctx := context.Background()
	q := New(time.Minute)

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Send(context.Background(), queue.Outgoing{Body: []byte("late")})
	}()

	start := time.Now()
	msgs, err := q.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatal("expected the late message")
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("long poll should return as soon as a message arrives, took %s", elapsed)
	}
}

func TestQueue_ReceiveRespectsContext(t *testing.T) {
	q := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Receive(ctx, 1, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	batch := make([]queue.Outgoing, 25)
	for i := range batch {
		batch[i] = queue.Outgoing{Body: []byte{byte(i)}}
	}

	chunks := queue.Chunk(batch)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != queue.MaxBatchSize || len(chunks[2]) != 5 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if queue.Chunk(nil) != nil {
		t.Error("empty batch should produce no chunks")
	}
}
