package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securelink/crypto"
)

// scriptedDeliverer records delivery order and fails per a script.
type scriptedDeliverer struct {
	mu        sync.Mutex
	delivered []string
	failWith  map[string]error // endpoint -> error returned every attempt
	failOnce  map[string]error // endpoint -> error returned on first attempt only
	attempts  map[string]int
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{
		failWith: make(map[string]error),
		failOnce: make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts[endpoint]++
	if err, ok := d.failWith[endpoint]; ok {
		return err
	}
	if err, ok := d.failOnce[endpoint]; ok && d.attempts[endpoint] == 1 {
		return err
	}
	d.delivered = append(d.delivered, endpoint)
	return nil
}

func (d *scriptedDeliverer) deliveredOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.delivered))
	copy(out, d.delivered)
	return out
}

func newTestStore(t *testing.T) *crypto.EncryptedKeyStore {
	t.Helper()
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("test-master-password"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestQueue(t *testing.T, d Deliverer, opts ...QueueOption) *OfflineQueue {
	t.Helper()
	q, err := NewOfflineQueue(newTestStore(t), d, 3, 100, time.Hour, opts...)
	require.NoError(t, err)
	return q
}

func TestDrainDeliversInFIFOOrder(t *testing.T) {
	deliverer := newScriptedDeliverer()
	q := newTestQueue(t, deliverer)

	for _, endpoint := range []string{"/a", "/b", "/c"} {
		_, err := q.Enqueue(endpoint, []byte(endpoint))
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Depth())

	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, []string{"/a", "/b", "/c"}, deliverer.deliveredOrder())
	assert.Equal(t, 0, q.Depth())
}

func TestTransientHeadFailurePreservesOrder(t *testing.T) {
	deliverer := newScriptedDeliverer()
	deliverer.failOnce["/a"] = errors.New("connection refused")
	q := newTestQueue(t, deliverer)

	for _, endpoint := range []string{"/a", "/b", "/c"} {
		_, err := q.Enqueue(endpoint, []byte(endpoint))
		require.NoError(t, err)
	}

	// First pass stops at the failing head; nothing behind it may jump
	// the line.
	err := q.Drain(context.Background())
	require.Error(t, err)
	assert.Empty(t, deliverer.deliveredOrder())
	assert.Equal(t, 3, q.Depth())

	// Second pass succeeds end to end, still in order.
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"/a", "/b", "/c"}, deliverer.deliveredOrder())
}

func TestExhaustedOperationIsDeadLetteredWithoutBlocking(t *testing.T) {
	deliverer := newScriptedDeliverer()
	deliverer.failWith["/poison"] = errors.New("server rejects this payload")

	var deadLettered []Operation
	q := newTestQueue(t, deliverer, WithDeadLetterObserver(func(op Operation) {
		deadLettered = append(deadLettered, op)
	}))

	_, err := q.Enqueue("/poison", []byte("poison"))
	require.NoError(t, err)
	_, err = q.Enqueue("/healthy", []byte("healthy"))
	require.NoError(t, err)

	// maxRetries=3: three failing passes, then the fourth attempt
	// dead-letters and the queue moves on.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, q.Drain(ctx))
	}
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, []string{"/healthy"}, deliverer.deliveredOrder())
	assert.Equal(t, 0, q.Depth())

	require.Len(t, deadLettered, 1)
	assert.Equal(t, "/poison", deadLettered[0].Endpoint)
	assert.Equal(t, StatusFailed, deadLettered[0].Status)

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "/poison", letters[0].Endpoint)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	password := []byte("test-master-password")
	deliverer := newScriptedDeliverer()

	store, err := crypto.NewEncryptedKeyStore(dataDir, password)
	require.NoError(t, err)
	q, err := NewOfflineQueue(store, deliverer, 3, 100, time.Hour)
	require.NoError(t, err)

	_, err = q.Enqueue("/a", []byte("payload-a"))
	require.NoError(t, err)
	_, err = q.Enqueue("/b", []byte("payload-b"))
	require.NoError(t, err)
	store.Close()

	store, err = crypto.NewEncryptedKeyStore(dataDir, password)
	require.NoError(t, err)
	defer store.Close()

	reloaded, err := NewOfflineQueue(store, deliverer, 3, 100, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Depth())

	require.NoError(t, reloaded.Drain(context.Background()))
	assert.Equal(t, []string{"/a", "/b"}, deliverer.deliveredOrder())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	deliverer := newScriptedDeliverer()
	q, err := NewOfflineQueue(newTestStore(t), deliverer, 3, 2, time.Hour)
	require.NoError(t, err)

	_, err = q.Enqueue("/a", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("/b", nil)
	require.NoError(t, err)

	_, err = q.Enqueue("/c", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Depth())
}

func TestDepthObserverTracksMutations(t *testing.T) {
	deliverer := newScriptedDeliverer()
	var depths []int
	q := newTestQueue(t, deliverer, WithDepthObserver(func(n int) {
		depths = append(depths, n)
	}))

	_, err := q.Enqueue("/a", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("/b", nil)
	require.NoError(t, err)
	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, []int{1, 2, 1, 0}, depths)
}

func TestDrainLoopDeliversInBackground(t *testing.T) {
	deliverer := newScriptedDeliverer()
	q, err := NewOfflineQueue(newTestStore(t), deliverer, 3, 100, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = q.Enqueue("/a", []byte("payload"))
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.Depth() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/a"}, deliverer.deliveredOrder())
}

func TestStartStopAreIdempotent(t *testing.T) {
	q := newTestQueue(t, newScriptedDeliverer())

	q.Start(context.Background())
	q.Start(context.Background())
	q.Stop()
	q.Stop()
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "sending", StatusSending.String())
	assert.Equal(t, "sent", StatusSent.String())
	assert.Equal(t, "failed", StatusFailed.String())
}
