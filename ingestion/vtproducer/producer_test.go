package vtproducer

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin/venice/adapters/kafka"
	venice "github.com/linkedin/venice/entities/venice"
)

// fakeTransport is an in-memory kafka.LogTransport: Produce appends to
// a per-topic log (the partition is not part of the key), Subscribe is
// unused by these tests.
type fakeTransport struct {
	mu   sync.Mutex
	logs map[string][]*venice.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{logs: make(map[string][]*venice.Message)}
}

func logKey(topic string, partition int) string { return topic }

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan kafka.Record, error) {
	panic("not used in this test")
}
func (f *fakeTransport) Unsubscribe(topic string, partition int) error { return nil }

func (f *fakeTransport) Produce(ctx context.Context, topic string, partition int, msg *venice.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := logKey(topic, partition)
	f.logs[key] = append(f.logs[key], msg)
	return int64(len(f.logs[key]) - 1), nil
}

func (f *fakeTransport) HighWatermark(ctx context.Context, topic string, partition int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.logs[logKey(topic, partition)])), nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) recorded(topic string) []*venice.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[logKey(topic, 0)]
}

func TestProducerStampsOwnIdentityAndLeaderFooter(t *testing.T) {
	transport := newFakeTransport()
	p := New(transport, "store_v1", 0, 0, logrus.NewEntry(logrus.New()))

	require.NoError(t, p.Start(context.Background()))

	upstreamMsg := &venice.Message{
		Type: venice.MessageTypePut,
		Key:  []byte("k1"),
		Put:  &venice.PutPayload{Value: []byte("v1")},
		Producer: venice.ProducerMetadata{
			GUID:           "upstream-guid",
			SegmentNumber:  7,
			SequenceNumber: 42,
		},
	}

	offset, err := p.ProduceRecord(context.Background(), "store_rt", 99, upstreamMsg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, offset, int64(0))

	recorded := transport.recorded("store_v1")
	require.Len(t, recorded, 2) // StartOfSegment + the data record

	produced := recorded[1]
	assert.NotEqual(t, venice.ProducerMetadata{}.GUID, produced.Producer.GUID)
	assert.NotEqual(t, "upstream-guid", string(produced.Producer.GUID))
	assert.Equal(t, int32(0), produced.Producer.SegmentNumber)
	require.NotNil(t, produced.LeaderFooter)
	assert.Equal(t, int64(99), produced.LeaderFooter.UpstreamOffset)
	assert.Equal(t, "store_rt", produced.LeaderFooter.UpstreamTopicID)
	assert.Equal(t, []byte("k1"), produced.Key)
	assert.Equal(t, []byte("v1"), produced.Put.Value)
}

func TestProducerSequenceNumbersMonotonicallyIncrease(t *testing.T) {
	transport := newFakeTransport()
	p := New(transport, "store_v1", 0, 3, logrus.NewEntry(logrus.New()))
	require.NoError(t, p.Start(context.Background()))

	msg := &venice.Message{Type: venice.MessageTypePut, Key: []byte("k"), Put: &venice.PutPayload{}}
	_, err := p.ProduceRecord(context.Background(), "store_rt", 1, msg)
	require.NoError(t, err)
	_, err = p.ProduceRecord(context.Background(), "store_rt", 2, msg)
	require.NoError(t, err)

	recorded := transport.recorded("store_v1")
	require.Len(t, recorded, 3)
	assert.Less(t, recorded[1].Producer.SequenceNumber, recorded[2].Producer.SequenceNumber)
	assert.Equal(t, int32(3), recorded[1].Producer.SegmentNumber)
}

func TestStartIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	p := New(transport, "store_v1", 0, 0, logrus.NewEntry(logrus.New()))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	recorded := transport.recorded("store_v1")
	assert.Len(t, recorded, 1)
}
