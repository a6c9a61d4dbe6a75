package queue

import (
	"context"
	"fmt"
)

// Publisher routes outgoing messages to the queue registered for a topic.
type Publisher struct {
	queues map[string]Queue
}

func NewPublisher() *Publisher {
	return &Publisher{queues: make(map[string]Queue)}
}

func (p *Publisher) Register(topic string, q Queue) {
	p.queues[topic] = q
}

func (p *Publisher) Publish(ctx context.Context, topic string, out Outgoing) error {
	q, ok := p.queues[topic]
	if !ok {
		return fmt.Errorf("no queue registered for topic %q", topic)
	}
	return q.Send(ctx, out)
}
