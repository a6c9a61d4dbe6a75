package worker

import (
	"context"
	"errors"
	"net"
	"syscall"

	"commerce/internal/domain"
	"commerce/internal/event"
)

// Classification of a handler error decides the fate of the delivery:
// retryable errors leave the message unacknowledged so the channel redelivers
// it, non-retryable ones acknowledge it and route the body to the error sink.
type Classification string

const (
	ClassRetryable    Classification = "retryable"
	ClassNonRetryable Classification = "non_retryable"
)

// nonRetryable lists errors redelivery can never fix: a malformed or invalid
// event stays malformed no matter how often it is delivered.
var nonRetryable = []error{
	event.ErrMalformedEvent,
	event.ErrUnknownEventType,
	domain.ErrInvalidAmount,
	domain.ErrInvalidPaymentMethod,
}

// Classify maps a handler error to its delivery fate and a short reason for
// logs and metrics. Unknown errors default to retryable: a store or publish
// hiccup must never ack a message whose work did not happen.
func Classify(err error) (Classification, string) {
	for _, target := range nonRetryable {
		if errors.Is(err, target) {
			return ClassNonRetryable, "invalid_event"
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassRetryable, "timeout"
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ClassRetryable, "connection"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable, "network"
	}
	return ClassRetryable, "internal"
}
