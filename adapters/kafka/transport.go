// Package kafka adapts the ingestion core to a real log transport.
// Topics are addressed by name only; partition numbering, offsets and
// the wire envelope are owned entirely by this package so the
// ingestion core never imports sarama directly.
package kafka

import (
	"context"

	venice "github.com/linkedin/venice/entities/venice"
)

// Record is one position-addressed entry read from a topic partition.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Message   *venice.Message
}

// LogTransport is the abstraction the ingestion core consumes for
// both the version topic and any upstream (real-time or stream
// reprocessing) topic. A single LogTransport instance is shared
// across all partitions assigned to this node; callers subscribe to
// individual topic/partition pairs.
type LogTransport interface {
	// Subscribe starts delivering records for topic/partition,
	// starting at (and including) fromOffset, onto the returned
	// channel. The channel is closed when ctx is done or the
	// subscription is torn down via Unsubscribe.
	Subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan Record, error)

	// Unsubscribe stops delivering records for topic/partition and
	// releases the underlying consumer resources.
	Unsubscribe(topic string, partition int) error

	// Produce appends msg to topic/partition and returns the offset it
	// was assigned. Used only by the leader's version-topic producer.
	Produce(ctx context.Context, topic string, partition int, msg *venice.Message) (int64, error)

	// HighWatermark returns the offset one past the last record
	// currently available on topic/partition, used to decide when a
	// partition has caught up.
	HighWatermark(ctx context.Context, topic string, partition int) (int64, error)

	// Close releases all underlying client resources.
	Close() error
}

// AssembleChunks reassembles a sequence of chunked records sharing a
// logical key into the single record a chunked large value was split
// from. It is kept deliberately abstract: the manifest format for
// chunk sequencing is store-version-specific and out of scope here,
// so this is a pass-through for the common case of one record per key
// and a hook point for a real chunk manifest decoder.
func AssembleChunks(records []*venice.Message) (*venice.Message, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) == 1 {
		return records[0], nil
	}
	assembled := make([]byte, 0)
	for _, r := range records {
		if r.Put == nil {
			continue
		}
		assembled = append(assembled, r.Put.Value...)
	}
	head := *records[0]
	valueCopy := *head.Put
	valueCopy.Value = assembled
	head.Put = &valueCopy
	return &head, nil
}
