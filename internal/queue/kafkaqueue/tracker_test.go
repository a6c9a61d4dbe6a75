package kafkaqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func orderEventMessage(partition int, offset int64) kafka.Message {
	return kafka.Message{
		Topic:     "order_events",
		Partition: partition,
		Offset:    offset,
		Value:     []byte(`{"type":"ORDER_CREATED"}`),
	}
}

func TestTracker_CommitWaitsForEarlierOffset(t *testing.T) {
	tr := newTracker(time.Minute)

	first := tr.Track(orderEventMessage(0, 5))
	second := tr.Track(orderEventMessage(0, 6))

	// Offset 6 finishes first while 5 is still being handled (or failed
	// retryably). Committing here must not move the group past offset 5.
	commit, ready, err := tr.Ack(second.ReceiptHandle)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if ready {
		t.Fatalf("commit must be held back while offset 5 is outstanding, got offset %d", commit.Offset)
	}

	commit, ready, err = tr.Ack(first.ReceiptHandle)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if !ready {
		t.Fatal("acknowledging the head of the partition must release a commit")
	}
	if commit.Offset != 6 {
		t.Errorf("expected commit through offset 6, got %d", commit.Offset)
	}
}

func TestTracker_RedeliversExpiredMessage(t *testing.T) {
	tr := newTracker(30 * time.Millisecond)

	first := tr.Track(orderEventMessage(0, 5))
	second := tr.Track(orderEventMessage(0, 6))

	// Offset 6 succeeds; offset 5 fails retryably and is never acknowledged.
	if _, _, err := tr.Ack(second.ReceiptHandle); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if got := tr.Redeliver(10); len(got) != 0 {
		t.Fatalf("nothing may be re-served before the visibility timeout, got %d", len(got))
	}

	time.Sleep(50 * time.Millisecond)
	redelivered := tr.Redeliver(10)
	if len(redelivered) != 1 {
		t.Fatalf("expected offset 5 re-served after the timeout, got %d messages", len(redelivered))
	}
	if redelivered[0].ReceiveCount != 2 {
		t.Errorf("expected receive count 2, got %d", redelivered[0].ReceiveCount)
	}

	// The handle from the first delivery is superseded.
	if _, _, err := tr.Ack(first.ReceiptHandle); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("expected ErrUnknownReceipt for the stale handle, got %v", err)
	}

	// Acknowledging the redelivery releases the commit through offset 6.
	commit, ready, err := tr.Ack(redelivered[0].ReceiptHandle)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if !ready || commit.Offset != 6 {
		t.Errorf("expected commit through offset 6, got ready=%v offset=%d", ready, commit.Offset)
	}
}

func TestTracker_AckedMessageIsNeverReserved(t *testing.T) {
	tr := newTracker(10 * time.Millisecond)

	msg := tr.Track(orderEventMessage(0, 5))
	if _, _, err := tr.Ack(msg.ReceiptHandle); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := tr.Redeliver(10); len(got) != 0 {
		t.Errorf("an acknowledged message must not be re-served, got %d", len(got))
	}
}

func TestTracker_PartitionsCommitIndependently(t *testing.T) {
	tr := newTracker(time.Minute)

	tr.Track(orderEventMessage(0, 5))
	other := tr.Track(orderEventMessage(1, 9))

	commit, ready, err := tr.Ack(other.ReceiptHandle)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if !ready {
		t.Fatal("partition 1 must commit regardless of partition 0's backlog")
	}
	if commit.Partition != 1 || commit.Offset != 9 {
		t.Errorf("unexpected commit %d/%d", commit.Partition, commit.Offset)
	}
}

func TestTracker_RedeliverRespectsBatchLimit(t *testing.T) {
	tr := newTracker(10 * time.Millisecond)

	for offset := int64(0); offset < 5; offset++ {
		tr.Track(orderEventMessage(0, offset))
	}
	time.Sleep(30 * time.Millisecond)

	if got := tr.Redeliver(2); len(got) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(got))
	}
	if got := tr.Redeliver(10); len(got) != 3 {
		t.Errorf("expected the remaining 3, got %d", len(got))
	}
}

func TestTracker_UnknownHandle(t *testing.T) {
	tr := newTracker(time.Minute)
	if _, _, err := tr.Ack("order_events/0/5#1"); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("expected ErrUnknownReceipt, got %v", err)
	}
}
