// Package vtproducer re-produces records a leader consumes from the
// upstream (real-time) topic into the version topic, stamping each
// with a LeaderMetadataFooter and its own producer identity/sequence
// numbering so followers can validate continuity on the version topic
// exactly as they would on any other producer's segment.
package vtproducer

import (
	"context"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/linkedin/venice/adapters/kafka"
	venice "github.com/linkedin/venice/entities/venice"
)

// Producer re-produces upstream records into one version-topic
// partition, maintaining a single monotonic segment for the lifetime
// of this leader incarnation. A new Producer (and therefore a new
// segment) is created the first time a newly promoted leader
// re-produces from a non-version-topic upstream, so followers observe
// a StartOfSegment before that leader's first re-produced record.
type Producer struct {
	log       *logrus.Entry
	transport kafka.LogTransport

	versionTopic string
	partition    int

	guid          strfmt.UUID
	segmentNumber int32

	mu       sync.Mutex
	sequence int64
	started  bool
}

// New creates a Producer for one version-topic partition. segmentNumber
// should be one greater than the last segment this partition's prior
// leader incarnation (if any) used, so segment numbers strictly
// increase across leader handoffs.
func New(transport kafka.LogTransport, versionTopic string, partition int, segmentNumber int32, logger *logrus.Entry) *Producer {
	return &Producer{
		log:           logger,
		transport:     transport,
		versionTopic:  versionTopic,
		partition:     partition,
		guid:          strfmt.UUID(uuid.NewString()),
		segmentNumber: segmentNumber,
	}
}

// Start emits the StartOfSegment control message that opens this
// producer's segment. Must be called before any ProduceRecord call.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	msg := p.nextControlLocked(&venice.ControlMessage{
		Type:           venice.ControlMessageStartOfSegment,
		StartOfSegment: &venice.StartOfSegment{},
	})
	if _, err := p.transport.Produce(ctx, p.versionTopic, p.partition, msg); err != nil {
		return err
	}
	p.started = true
	return nil
}

// ProduceRecord re-produces an upstream record (data or control) into
// the version topic, preserving its key/payload but replacing producer metadata
// with this leader's own identity, and attaching a LeaderMetadataFooter
// pointing back at the upstream record's position.
func (p *Producer) ProduceRecord(ctx context.Context, upstreamTopic string, upstreamOffset int64, rec *venice.Message) (int64, error) {
	p.mu.Lock()
	out := *rec
	out.Producer = p.nextProducerMetadataLocked()
	out.LeaderFooter = &venice.LeaderMetadataFooter{
		UpstreamOffset:  upstreamOffset,
		UpstreamTopicID: upstreamTopic,
	}
	p.mu.Unlock()

	return p.transport.Produce(ctx, p.versionTopic, p.partition, &out)
}

// EndSegment emits a graceful EndOfSegment so followers know this
// producer's segment is fully terminated rather than merely
// interrupted. The ingestion core does not call it: demotion drops the
// Producer without emitting an EndOfSegment.
func (p *Producer) EndSegment(ctx context.Context, final bool) error {
	p.mu.Lock()
	msg := p.nextControlLocked(&venice.ControlMessage{
		Type:         venice.ControlMessageEndOfSegment,
		EndOfSegment: &venice.EndOfSegment{FinalSegment: final},
	})
	p.mu.Unlock()
	_, err := p.transport.Produce(ctx, p.versionTopic, p.partition, msg)
	return err
}

func (p *Producer) nextProducerMetadataLocked() venice.ProducerMetadata {
	p.sequence++
	return venice.ProducerMetadata{
		GUID:           p.guid,
		SegmentNumber:  p.segmentNumber,
		SequenceNumber: p.sequence,
	}
}

func (p *Producer) nextControlLocked(c *venice.ControlMessage) *venice.Message {
	return &venice.Message{
		Type:     venice.MessageTypeControl,
		Control:  c,
		Producer: p.nextProducerMetadataLocked(),
	}
}
