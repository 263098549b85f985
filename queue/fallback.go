package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Transport is one way of getting a payload to its destination. A
// transport either delivers the payload or hands the caller an error
// so the next transport in a fallback chain can try.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, endpoint string, payload []byte) error
}

// FallbackTransport tries an ordered list of transports until one
// succeeds. The usual composition is the live network transport first
// and the offline queue last, so a payload that cannot be sent now is
// at least durably parked.
type FallbackTransport struct {
	transports []Transport
}

// NewFallbackTransport builds a fallback chain. Order is significant.
func NewFallbackTransport(transports ...Transport) (*FallbackTransport, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("queue: fallback chain needs at least one transport")
	}
	return &FallbackTransport{transports: transports}, nil
}

// Deliver attempts each transport in order and returns nil on the
// first success. When every transport fails, the aggregate error
// carries each transport's failure.
func (f *FallbackTransport) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	var failures []error
	for _, transport := range f.transports {
		err := transport.Deliver(ctx, endpoint, payload)
		if err == nil {
			return nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", transport.Name(), err))

		logrus.WithFields(logrus.Fields{
			"function":  "FallbackTransport.Deliver",
			"transport": transport.Name(),
			"endpoint":  endpoint,
			"error":     err,
		}).Warn("Transport failed, trying next")
	}
	return fmt.Errorf("queue: all transports failed: %w", errors.Join(failures...))
}

// QueueTransport adapts an OfflineQueue into the Transport interface:
// delivery means durably enqueueing for later drain.
type QueueTransport struct {
	queue *OfflineQueue
}

// NewQueueTransport wraps a queue as the terminal member of a fallback
// chain.
func NewQueueTransport(q *OfflineQueue) *QueueTransport {
	return &QueueTransport{queue: q}
}

func (t *QueueTransport) Name() string { return "offline-queue" }

// Deliver parks the payload in the durable queue. Success here means
// the payload will be delivered by the drain loop, not that it has
// reached the destination.
func (t *QueueTransport) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	_, err := t.queue.Enqueue(endpoint, payload)
	return err
}
