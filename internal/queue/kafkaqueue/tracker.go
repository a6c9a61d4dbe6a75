package kafkaqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"commerce/internal/queue"
)

type partitionKey struct {
	topic     string
	partition int
}

type inflight struct {
	msg          kafka.Message
	handle       string
	deadline     time.Time
	acked        bool
	receiveCount int
}

// tracker holds fetched-but-unacknowledged messages. It serves two purposes
// the raw consumer group cannot: a message whose handler failed retryably is
// re-served in-process after the visibility timeout, and the group offset is
// only committed up to the contiguous acknowledged prefix of each partition,
// so an unacknowledged message at offset N is never skipped by a commit for
// a later offset.
type tracker struct {
	visibility time.Duration

	mu         sync.Mutex
	partitions map[partitionKey][]*inflight
	handles    map[string]*inflight
	seq        uint64
}

func newTracker(visibility time.Duration) *tracker {
	return &tracker{
		visibility: visibility,
		partitions: make(map[partitionKey][]*inflight),
		handles:    make(map[string]*inflight),
	}
}

// Track registers a freshly fetched message and returns its first delivery.
func (t *tracker) Track(m kafka.Message) queue.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &inflight{msg: m, receiveCount: 1, deadline: time.Now().Add(t.visibility)}
	t.rehandle(e)
	key := partitionKey{m.Topic, m.Partition}
	t.partitions[key] = append(t.partitions[key], e)
	return t.deliver(e)
}

// Redeliver returns up to max tracked messages whose visibility timeout has
// expired. Each redelivery invalidates the previous receipt handle.
func (t *tracker) Redeliver(max int) []queue.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var out []queue.Message
	for _, entries := range t.partitions {
		for _, e := range entries {
			if len(out) >= max {
				return out
			}
			if e.acked || now.Before(e.deadline) {
				continue
			}
			delete(t.handles, e.handle)
			e.receiveCount++
			e.deadline = now.Add(t.visibility)
			t.rehandle(e)
			out = append(out, t.deliver(e))
		}
	}
	return out
}

// Ack marks the delivery behind handle acknowledged and reports the message
// whose offset may now be committed: the end of the partition's contiguous
// acknowledged prefix. ready is false while an earlier offset is still
// outstanding. A stale handle from a superseded delivery is rejected.
func (t *tracker) Ack(handle string) (commit kafka.Message, ready bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.handles[handle]
	if !ok {
		return kafka.Message{}, false, ErrUnknownReceipt
	}
	delete(t.handles, handle)
	e.acked = true

	key := partitionKey{e.msg.Topic, e.msg.Partition}
	entries := t.partitions[key]
	var last *inflight
	i := 0
	for ; i < len(entries) && entries[i].acked; i++ {
		last = entries[i]
	}
	if last == nil {
		return kafka.Message{}, false, nil
	}
	if i == len(entries) {
		delete(t.partitions, key)
	} else {
		t.partitions[key] = entries[i:]
	}
	return last.msg, true, nil
}

func (t *tracker) rehandle(e *inflight) {
	t.seq++
	e.handle = fmt.Sprintf("%s/%d/%d#%d", e.msg.Topic, e.msg.Partition, e.msg.Offset, t.seq)
	t.handles[e.handle] = e
}

func (t *tracker) deliver(e *inflight) queue.Message {
	attrs := make(map[string]string, len(e.msg.Headers))
	for _, h := range e.msg.Headers {
		attrs[h.Key] = string(h.Value)
	}
	return queue.Message{
		ID:            fmt.Sprintf("%s/%d/%d", e.msg.Topic, e.msg.Partition, e.msg.Offset),
		Body:          e.msg.Value,
		Attributes:    attrs,
		ReceiptHandle: e.handle,
		ReceiveCount:  e.receiveCount,
	}
}
