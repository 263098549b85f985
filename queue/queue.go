// Package queue provides a durable holding area for operations that
// cannot be delivered immediately. Items drain in FIFO order on a
// background loop; items that exhaust their retries are dead-lettered
// rather than silently dropped, and the queue survives process
// restarts through the encrypted keystore.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/faults"
)

// queueFile is the keystore entry holding the persisted queue snapshot.
const queueFile = "offline_queue"

// Status tracks an operation through the delivery pipeline.
type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation is one unit of deferred delivery.
type Operation struct {
	ID         uuid.UUID `cbor:"1,keyasint"`
	Endpoint   string    `cbor:"2,keyasint"`
	Payload    []byte    `cbor:"3,keyasint"`
	EnqueuedAt time.Time `cbor:"4,keyasint"`
	RetryCount int       `cbor:"5,keyasint"`
	Status     Status    `cbor:"6,keyasint"`
}

type snapshot struct {
	Items []Operation `cbor:"1,keyasint"`
}

// Deliverer attempts final delivery of a queued operation.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, payload []byte) error
}

// ErrQueueFull is returned by Enqueue when the depth limit is reached.
var ErrQueueFull = &faults.StorageError{Op: "enqueue", Err: fmt.Errorf("offline queue is full")}

// OfflineQueue is a persistent FIFO delivery queue with a background
// drain loop.
type OfflineQueue struct {
	store      *crypto.EncryptedKeyStore
	deliverer  Deliverer
	maxRetries int
	maxDepth   int
	drainEvery time.Duration

	onDeadLetter func(Operation)
	onDepth      func(int)

	mu          sync.Mutex
	items       []Operation
	deadLetters []Operation

	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// QueueOption configures an OfflineQueue.
type QueueOption func(*OfflineQueue)

// WithDeadLetterObserver registers a callback fired once per
// dead-lettered operation, for metrics.
func WithDeadLetterObserver(fn func(Operation)) QueueOption {
	return func(q *OfflineQueue) { q.onDeadLetter = fn }
}

// WithDepthObserver registers a callback fired with the queue depth
// after every mutation, for metrics.
func WithDepthObserver(fn func(int)) QueueOption {
	return func(q *OfflineQueue) { q.onDepth = fn }
}

// NewOfflineQueue creates a queue backed by the encrypted keystore and
// reloads any snapshot persisted by a previous run. In-flight items
// from a crashed process reload as pending so they are retried.
func NewOfflineQueue(store *crypto.EncryptedKeyStore, deliverer Deliverer, maxRetries, maxDepth int, drainEvery time.Duration, opts ...QueueOption) (*OfflineQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: keystore is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("queue: deliverer is required")
	}

	q := &OfflineQueue{
		store:      store,
		deliverer:  deliverer,
		maxRetries: maxRetries,
		maxDepth:   maxDepth,
		drainEvery: drainEvery,
	}
	for _, opt := range opts {
		opt(q)
	}

	if store.Exists(queueFile) {
		if err := q.load(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "queue.NewOfflineQueue",
				"error":    err,
			}).Warn("Discarding unreadable persisted queue")
		}
	}

	return q, nil
}

func (q *OfflineQueue) load() error {
	data, err := q.store.ReadEncrypted(queueFile)
	if err != nil {
		return &faults.StorageError{Op: "load_queue", Err: err}
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return &faults.StorageError{Op: "load_queue", Err: err}
	}

	for i := range snap.Items {
		if snap.Items[i].Status == StatusSending {
			snap.Items[i].Status = StatusPending
		}
	}
	q.items = snap.Items

	logrus.WithFields(logrus.Fields{
		"function": "OfflineQueue.load",
		"depth":    len(q.items),
	}).Info("Offline queue restored")
	return nil
}

// persistLocked writes the current snapshot. Callers hold q.mu.
func (q *OfflineQueue) persistLocked() error {
	data, err := cbor.Marshal(snapshot{Items: q.items})
	if err != nil {
		return &faults.StorageError{Op: "persist_queue", Err: err}
	}
	if err := q.store.WriteEncrypted(queueFile, data); err != nil {
		return &faults.StorageError{Op: "persist_queue", Err: err}
	}
	return nil
}

func (q *OfflineQueue) notifyDepthLocked() {
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
}

// Enqueue appends an operation for deferred delivery and persists the
// queue so the operation survives a crash.
func (q *OfflineQueue) Enqueue(endpoint string, payload []byte) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		return uuid.Nil, ErrQueueFull
	}

	op := Operation{
		ID:         uuid.New(),
		Endpoint:   endpoint,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Status:     StatusPending,
	}
	q.items = append(q.items, op)

	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return uuid.Nil, err
	}
	q.notifyDepthLocked()

	logrus.WithFields(logrus.Fields{
		"function":     "OfflineQueue.Enqueue",
		"operation_id": op.ID,
		"endpoint":     endpoint,
		"depth":        len(q.items),
	}).Info("Operation queued for deferred delivery")

	return op.ID, nil
}

// Depth returns the number of operations awaiting delivery.
func (q *OfflineQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns a copy of the operations dropped after
// exhausting their retries.
func (q *OfflineQueue) DeadLetters() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Start launches the background drain loop. It is a no-op when the
// loop is already running.
func (q *OfflineQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopChan = make(chan struct{})
	q.doneChan = make(chan struct{})

	go q.drainLoop(ctx, q.stopChan, q.doneChan)

	logrus.WithFields(logrus.Fields{
		"function": "OfflineQueue.Start",
		"interval": q.drainEvery,
	}).Info("Offline queue drain loop started")
}

// Stop terminates the drain loop and waits for the in-flight pass to
// finish.
func (q *OfflineQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop, done := q.stopChan, q.doneChan
	q.mu.Unlock()

	close(stop)
	<-done

	logrus.WithField("function", "OfflineQueue.Stop").Info("Offline queue drain loop stopped")
}

func (q *OfflineQueue) drainLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Drain(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "OfflineQueue.drainLoop",
					"error":    err,
				}).Debug("Drain pass ended early")
			}
		}
	}
}

// Drain attempts delivery of queued operations in FIFO order. A
// transient failure at the head of the queue ends the pass so ordering
// is preserved; an operation that has exhausted its retries is
// dead-lettered and does not block the items behind it.
func (q *OfflineQueue) Drain(ctx context.Context) error {
	for {
		op, ok := q.takeHead()
		if !ok {
			return nil
		}

		err := q.deliverer.Deliver(ctx, op.Endpoint, op.Payload)
		if err == nil {
			q.finishHead(op.ID)
			logrus.WithFields(logrus.Fields{
				"function":     "OfflineQueue.Drain",
				"operation_id": op.ID,
			}).Info("Queued operation delivered")
			continue
		}

		if op.RetryCount+1 > q.maxRetries {
			q.deadLetterHead(op.ID, err)
			continue
		}

		q.requeueHead(op.ID)
		return fmt.Errorf("queue: delivery of head operation failed: %w", err)
	}
}

// takeHead marks the first pending operation as in flight and returns
// a copy of it.
func (q *OfflineQueue) takeHead() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Operation{}, false
	}
	q.items[0].Status = StatusSending
	return q.items[0], true
}

func (q *OfflineQueue) finishHead(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].ID != id {
		return
	}
	q.items = q.items[1:]
	if err := q.persistLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OfflineQueue.finishHead",
			"error":    err,
		}).Warn("Failed to persist queue after delivery")
	}
	q.notifyDepthLocked()
}

func (q *OfflineQueue) requeueHead(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].ID != id {
		return
	}
	q.items[0].RetryCount++
	q.items[0].Status = StatusPending
	if err := q.persistLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OfflineQueue.requeueHead",
			"error":    err,
		}).Warn("Failed to persist queue after retry")
	}
}

func (q *OfflineQueue) deadLetterHead(id uuid.UUID, cause error) {
	q.mu.Lock()

	if len(q.items) == 0 || q.items[0].ID != id {
		q.mu.Unlock()
		return
	}
	op := q.items[0]
	op.Status = StatusFailed
	op.RetryCount++
	q.items = q.items[1:]
	q.deadLetters = append(q.deadLetters, op)

	if err := q.persistLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OfflineQueue.deadLetterHead",
			"error":    err,
		}).Warn("Failed to persist queue after dead-letter")
	}
	q.notifyDepthLocked()
	onDeadLetter := q.onDeadLetter
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "OfflineQueue.deadLetterHead",
		"operation_id": op.ID,
		"retries":      op.RetryCount,
		"error":        cause,
	}).Error("Operation dead-lettered after exhausting retries")

	if onDeadLetter != nil {
		onDeadLetter(op)
	}
}
