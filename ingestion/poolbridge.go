package ingestion

import (
	"context"

	"github.com/linkedin/venice/adapters/kafka"
)

// subscribe routes a topic/partition subscription through the shared
// consumer pool rather than calling the transport directly, so every
// partition this node ingests shares the pool's bounded concurrency
// and backpressure per §4.5, instead of opening an unbounded transport
// consumer per partition. The returned channel and unsubscribe func
// behave like a direct kafka.LogTransport.Subscribe call from the
// drainer's point of view: records arrive in order, and the channel
// closes once unsubscribe has fully torn down the pool's consumer.
func (p *PartitionIngestor) subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan kafka.Record, func(), error) {
	out := make(chan kafka.Record, 256)

	err := p.pool.Subscribe(ctx, topic, partition, fromOffset, func(hctx context.Context, rec kafka.Record) error {
		select {
		case out <- rec:
			return nil
		case <-hctx.Done():
			return hctx.Err()
		}
	})
	if err != nil {
		close(out)
		return out, func() {}, err
	}

	unsubscribe := func() {
		p.pool.Unsubscribe(topic, partition)
		close(out)
	}
	return out, unsubscribe, nil
}
