package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin/venice/adapters/kafka"
	"github.com/linkedin/venice/adapters/localstore"
	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/ingestion/consumerpool"
	"github.com/linkedin/venice/ingestion/metrics"
	"github.com/linkedin/venice/usecases/membership"
)

// fakeBroker is an in-memory, append-only, polling-delivered stand-in
// for kafka.LogTransport: good enough to exercise the drainer's FIFO
// consumption, offset tracking and control-message dispatch without a
// real broker.
type fakeBroker struct {
	mu   sync.Mutex
	logs map[string][]*venice.Message
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{logs: make(map[string][]*venice.Message)}
}

func (b *fakeBroker) seed(topic string, msgs ...*venice.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[topic] = append(b.logs[topic], msgs...)
}

func (b *fakeBroker) Subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan kafka.Record, error) {
	out := make(chan kafka.Record, 64)
	go func() {
		defer close(out)
		next := fromOffset
		for {
			b.mu.Lock()
			log := b.logs[topic]
			b.mu.Unlock()
			if int64(len(log)) <= next {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Millisecond):
					continue
				}
			}
			rec := kafka.Record{Topic: topic, Partition: partition, Offset: next, Message: log[next]}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			next++
		}
	}()
	return out, nil
}

func (b *fakeBroker) Unsubscribe(topic string, partition int) error { return nil }

func (b *fakeBroker) Produce(ctx context.Context, topic string, partition int, msg *venice.Message) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[topic] = append(b.logs[topic], msg)
	return int64(len(b.logs[topic]) - 1), nil
}

func (b *fakeBroker) HighWatermark(ctx context.Context, topic string, partition int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.logs[topic])), nil
}

func (b *fakeBroker) Close() error { return nil }

type staticRoleOracle struct{ role membership.Role }

func (o *staticRoleOracle) RoleFor(partition int) membership.Role { return o.role }
func (o *staticRoleOracle) Subscribe(partition int, fn func(membership.Role)) func() {
	return func() {}
}
func (o *staticRoleOracle) LocalName() string    { return "test-node" }
func (o *staticRoleOracle) Candidates() []string { return []string{"test-node"} }
func (o *staticRoleOracle) Close() error         { return nil }

func dataMsg(guid string, seg int32, seq int64, key, value string) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypePut,
		Key:  []byte(key),
		Put:  &venice.PutPayload{Value: []byte(value)},
		Producer: venice.ProducerMetadata{
			GUID:             strfmt.UUID(guid),
			SegmentNumber:    seg,
			SequenceNumber:   seq,
			MessageTimestamp: time.Now(),
		},
	}
}

func startOfSegmentMsg(guid string, seg int32, seq int64) *venice.Message {
	return &venice.Message{
		Type: venice.MessageTypeControl,
		Control: &venice.ControlMessage{
			Type:           venice.ControlMessageStartOfSegment,
			StartOfSegment: &venice.StartOfSegment{},
		},
		Producer: venice.ProducerMetadata{
			GUID:             strfmt.UUID(guid),
			SegmentNumber:    seg,
			SequenceNumber:   seq,
			MessageTimestamp: time.Now(),
		},
	}
}

func controlMsg(guid string, seg int32, seq int64, cm *venice.ControlMessage) *venice.Message {
	return &venice.Message{
		Type:    venice.MessageTypeControl,
		Control: cm,
		Producer: venice.ProducerMetadata{
			GUID:             strfmt.UUID(guid),
			SegmentNumber:    seg,
			SequenceNumber:   seq,
			MessageTimestamp: time.Now(),
		},
	}
}

func newTestIngestor(t *testing.T, key venice.PartitionKey, transport kafka.LogTransport, role membership.Role) *PartitionIngestor {
	t.Helper()
	store, err := localstore.NewBoltLocalStore(t.TempDir(), logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := consumerpool.New(transport, 3, logrus.New())
	m := metrics.NewIngestionMetrics(prometheus.NewRegistry())
	publisher := metrics.NewStatusPublisher(16)

	cfg := Config{
		StoreVersion:   venice.StoreVersionConfig{StoreName: key.StoreName, VersionNumber: key.VersionNumber},
		PromotionDelay: 10 * time.Millisecond,
	}
	return New(key, cfg, transport, store, pool, &staticRoleOracle{role: role}, m, publisher, logrus.New())
}

// TestFollowerDropsDuplicateRecords mirrors spec scenario 2: a
// redelivered (guid, segment, seq) already applied must not be
// reapplied, and every other key must converge to its last write.
func TestFollowerDropsDuplicateRecords(t *testing.T) {
	broker := newFakeBroker()
	key := venice.PartitionKey{StoreName: "teststore", VersionNumber: 1, Partition: 0}
	topic := VersionTopicName(key.StoreName, key.VersionNumber)

	broker.seed(topic,
		startOfSegmentMsg("G", 100, 1), // segment head; DIV requires this before any data record
		dataMsg("G", 100, 2, "k1", "v1"),
		dataMsg("G", 100, 3, "k1", "v2"),
		dataMsg("G", 100, 2, "k1", "v1"), // duplicate, must be dropped
		dataMsg("G", 100, 4, "k2", "v1"),
	)

	ing := newTestIngestor(t, key, broker, membership.RoleFollower)
	require.NoError(t, ing.Start(context.Background()))

	require.Eventually(t, func() bool {
		v, err := ing.store.Get(key, []byte("k2"))
		return err == nil && string(v) == "v1"
	}, 2*time.Second, 10*time.Millisecond)

	ing.Stop(true)

	v1, err := ing.store.Get(key, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v1))

	v2, err := ing.store.Get(key, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v2))

	checkpoint, err := ing.store.Checkpoint(key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), checkpoint.VersionTopicOffset) // last applied offset, not the dropped duplicate's
}

// TestEndOfPushTransitionsToCompletedBatchForNonHybrid exercises the
// control message interpreter end-to-end through the drainer: a
// non-hybrid store-version must reach COMPLETED_BATCH once EndOfPush
// is observed. Control messages never themselves advance the
// committed version-topic offset (only data commits do), so this
// checks the in-memory checkpoint rather than the persisted one.
func TestEndOfPushTransitionsToCompletedBatchForNonHybrid(t *testing.T) {
	broker := newFakeBroker()
	key := venice.PartitionKey{StoreName: "batchstore", VersionNumber: 1, Partition: 0}
	topic := VersionTopicName(key.StoreName, key.VersionNumber)

	broker.seed(topic,
		startOfSegmentMsg("pushjob", 0, 1), // segment head; DIV requires this before any other record from this producer
		controlMsg("pushjob", 0, 2, &venice.ControlMessage{Type: venice.ControlMessageStartOfPush, StartOfPush: &venice.StartOfPush{}}),
		dataMsg("pushjob", 0, 3, "k1", "v1"),
		controlMsg("pushjob", 0, 4, &venice.ControlMessage{Type: venice.ControlMessageEndOfPush, EndOfPush: &venice.EndOfPush{}}),
	)

	ing := newTestIngestor(t, key, broker, membership.RoleFollower)
	require.NoError(t, ing.Start(context.Background()))

	require.Eventually(t, func() bool {
		return ing.ReplicaStatus() == venice.ReplicaStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ing.Stop(true)

	ing.mu.Lock()
	receivedEOP := ing.checkpoint.ReceivedEOP
	ing.mu.Unlock()
	assert.True(t, receivedEOP)
}

// TestLastTopicSwitchWins mirrors spec scenario 3 at the upstream
// resolution layer: two TopicSwitch control messages observed
// back-to-back must leave only the second's topic as the resolved
// upstream.
func TestLastTopicSwitchWins(t *testing.T) {
	broker := newFakeBroker()
	key := venice.PartitionKey{StoreName: "switchstore", VersionNumber: 1, Partition: 0}

	ing := newTestIngestor(t, key, broker, membership.RoleLeader)
	ing.checkpoint = venice.PartitionCheckpoint{Key: key}

	ing.OnTopicSwitch(&venice.TopicSwitch{NewSourceTopicName: "switchstore_v1_sr", RewindStartTimestamp: -1})
	ing.OnTopicSwitch(&venice.TopicSwitch{NewSourceTopicName: "switchstore_rt", RewindStartTimestamp: -1})

	upstream, err := ing.resolveUpstream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "switchstore_rt", upstream.TopicName)

	require.Len(t, ing.checkpoint.TopicSwitchHistory, 2)
	assert.Equal(t, "switchstore_rt", ing.checkpoint.TopicSwitchHistory[1].NewUpstreamTopic)
}

// TestLeaderPassThroughAppliesLocallyWithoutReproducing exercises
// consumeAsLeader directly (via Start) before any SOBR/TopicSwitch has
// been observed, when resolveUpstream names the version topic itself
// as upstream. Per §4.1 this is a pass-through: the leader must still
// commit every record to its own local store exactly as a follower
// would, but must never re-produce a record it read from the version
// topic back into that same topic/partition.
func TestLeaderPassThroughAppliesLocallyWithoutReproducing(t *testing.T) {
	broker := newFakeBroker()
	key := venice.PartitionKey{StoreName: "passthroughstore", VersionNumber: 1, Partition: 0}
	topic := VersionTopicName(key.StoreName, key.VersionNumber)

	broker.seed(topic,
		startOfSegmentMsg("push", 0, 1),
		dataMsg("push", 0, 2, "k1", "v1"),
	)

	ing := newTestIngestor(t, key, broker, membership.RoleLeader)
	require.NoError(t, ing.Start(context.Background()))

	require.Eventually(t, func() bool {
		v, err := ing.store.Get(key, []byte("k1"))
		return err == nil && string(v) == "v1"
	}, 2*time.Second, 10*time.Millisecond)

	// A further batch-push record arrives on the version topic while
	// the leader is still in its pass-through phase.
	broker.seed(topic, dataMsg("push", 0, 3, "k2", "v2"))

	require.Eventually(t, func() bool {
		v, err := ing.store.Get(key, []byte("k2"))
		return err == nil && string(v) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	ing.Stop(true)

	broker.mu.Lock()
	length := len(broker.logs[topic])
	broker.mu.Unlock()
	// Exactly the three records this test seeded: pass-through never
	// fed the leader's own reads back into the topic it read them from.
	assert.Equal(t, 3, length)
}
