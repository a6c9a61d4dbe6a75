// Package memqueue is an in-process event channel with real visibility-timeout
// semantics: a delivered message that is not deleted before the timeout
// elapses becomes receivable again. It backs tests and single-process wiring.
package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"commerce/internal/queue"
	"commerce/internal/util"
)

var ErrUnknownReceipt = errors.New("unknown or expired receipt handle")

const pollInterval = 10 * time.Millisecond

type entry struct {
	msg       queue.Message
	visibleAt time.Time
	handle    string
	deleted   bool
}

type Queue struct {
	mu         sync.Mutex
	entries    []*entry
	byHandle   map[string]*entry
	visibility time.Duration
}

func New(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		byHandle:   make(map[string]*entry),
		visibility: visibility,
	}
}

func (q *Queue) Send(ctx context.Context, out queue.Outgoing) error {
	if len(out.Body) == 0 {
		return queue.ErrEmptyBody
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &entry{
		msg: queue.Message{
			ID:         util.GenerateUUID(),
			Body:       out.Body,
			Attributes: out.Attributes,
		},
	})
	return nil
}

func (q *Queue) SendBatch(ctx context.Context, batch []queue.Outgoing) error {
	for _, chunk := range queue.Chunk(batch) {
		for _, out := range chunk {
			if err := q.Send(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > queue.MaxBatchSize {
		max = queue.MaxBatchSize
	}

	deadline := time.Now().Add(wait)
	for {
		if msgs := q.takeVisible(max); len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) takeVisible(max int) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var msgs []queue.Message
	for _, e := range q.entries {
		if e.deleted || e.visibleAt.After(now) {
			continue
		}
		if e.handle != "" {
			delete(q.byHandle, e.handle)
		}
		e.handle = util.GenerateUUID()
		e.visibleAt = now.Add(q.visibility)
		e.msg.ReceiveCount++
		e.msg.ReceiptHandle = e.handle
		q.byHandle[e.handle] = e

		msgs = append(msgs, e.msg)
		if len(msgs) == max {
			break
		}
	}
	return msgs
}

func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byHandle[receiptHandle]
	if !ok || e.handle != receiptHandle {
		return ErrUnknownReceipt
	}
	e.deleted = true
	delete(q.byHandle, receiptHandle)
	q.compact()
	return nil
}

// compact drops deleted entries once they dominate the backlog.
func (q *Queue) compact() {
	if len(q.entries) < 64 {
		return
	}
	live := q.entries[:0]
	for _, e := range q.entries {
		if !e.deleted {
			live = append(live, e)
		}
	}
	if len(live) < cap(q.entries)/2 {
		q.entries = append([]*entry(nil), live...)
		return
	}
	q.entries = live
}

// Len reports the number of undeleted messages, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}
