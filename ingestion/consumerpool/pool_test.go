package consumerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin/venice/adapters/kafka"
	venice "github.com/linkedin/venice/entities/venice"
)

// fakeTransport streams a fixed number of records per topic/partition
// as fast as the consumer drains them. Subscribe never blocks; the
// fake only counts open subscriptions (and their peak) so tests can
// observe the pool's admission independent of the fake's own behavior.
type fakeTransport struct {
	recordsPerPartition int

	mu          sync.Mutex
	activeCount int
	maxActive   int
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan kafka.Record, error) {
	f.mu.Lock()
	f.activeCount++
	if f.activeCount > f.maxActive {
		f.maxActive = f.activeCount
	}
	f.mu.Unlock()

	out := make(chan kafka.Record, f.recordsPerPartition)
	for i := 0; i < f.recordsPerPartition; i++ {
		out <- kafka.Record{
			Topic: topic, Partition: partition, Offset: int64(i),
			Message: &venice.Message{Type: venice.MessageTypePut, Key: []byte("k"), Put: &venice.PutPayload{}},
		}
	}
	close(out)
	return out, nil
}

func (f *fakeTransport) Unsubscribe(topic string, partition int) error {
	f.mu.Lock()
	f.activeCount--
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Produce(ctx context.Context, topic string, partition int, msg *venice.Message) (int64, error) {
	return 0, nil
}
func (f *fakeTransport) HighWatermark(ctx context.Context, topic string, partition int) (int64, error) {
	return 0, nil
}
func (f *fakeTransport) Close() error { return nil }

func TestPoolDeliversEveryRecordInOrder(t *testing.T) {
	transport := &fakeTransport{recordsPerPartition: 5}
	pool := New(transport, 2, logrus.New())

	var mu sync.Mutex
	var offsets []int64
	done := make(chan struct{})

	err := pool.Subscribe(context.Background(), "topic", 0, 0, func(ctx context.Context, rec kafka.Record) error {
		mu.Lock()
		offsets = append(offsets, rec.Offset)
		if len(offsets) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all records")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, offsets)
}

// TestPoolAdmitsMorePartitionsThanItsConcurrencyBound ensures a node
// owning more partitions than consumer_pool_size_per_cluster never
// stalls a partition's ingestion waiting for a free slot: admission is
// unbounded, only concurrent handler execution is bounded.
func TestPoolAdmitsMorePartitionsThanItsConcurrencyBound(t *testing.T) {
	transport := &fakeTransport{recordsPerPartition: 1}
	pool := New(transport, 1, logrus.New())

	block := make(chan struct{})
	started := make(chan struct{}, 4)

	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_ = pool.Subscribe(context.Background(), "topic", i, 0, func(ctx context.Context, rec kafka.Record) error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		return pool.ActiveCount() == 3
	}, time.Second, 10*time.Millisecond, "every owned partition must be admitted, not just maxConcurrent of them")

	close(block)
}

// TestPoolBoundsConcurrentHandlerInvocations asserts the actual bound
// consumer_pool_size_per_cluster enforces: at most maxConcurrent
// handler calls run at once, even though every partition subscribed
// promptly.
func TestPoolBoundsConcurrentHandlerInvocations(t *testing.T) {
	transport := &fakeTransport{recordsPerPartition: 1}
	pool := New(transport, 1, logrus.New())

	block := make(chan struct{})
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_ = pool.Subscribe(context.Background(), "topic", i, 0, func(ctx context.Context, rec kafka.Record) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				<-block
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		return pool.ActiveCount() == 3
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, maxInFlight, "only maxConcurrent handler calls should run at once")
	mu.Unlock()

	close(block)
}

func TestUnsubscribeStopsConsumingAndFreesASlot(t *testing.T) {
	transport := &fakeTransport{recordsPerPartition: 1}
	pool := New(transport, 1, logrus.New())

	handled := make(chan struct{})
	err := pool.Subscribe(context.Background(), "topic", 0, 0, func(ctx context.Context, rec kafka.Record) error {
		close(handled)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-handled

	pool.Unsubscribe("topic", 0)
	assert.Equal(t, 0, pool.ActiveCount())

	// A second partition's handler must still run promptly: the single
	// concurrency slot the first partition held was released once its
	// handler call returned, and subscription itself was never gated on
	// that slot in the first place.
	done := make(chan struct{})
	err = pool.Subscribe(context.Background(), "topic", 1, 0, func(ctx context.Context, rec kafka.Record) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe after unsubscribe was not handled promptly")
	}
}
