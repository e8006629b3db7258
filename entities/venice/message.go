// Package venice defines the wire and domain types shared by every
// ingestion component: the tagged record variant produced by upstream
// writers, producer/DIV identity, and the durable per-partition state
// the ingestor checkpoints.
package venice

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// MessageType tags the payload carried by a Message. It mirrors the
// wire-level message_type byte described by the envelope format: a
// small fixed set of variants dispatched on, never a class hierarchy.
type MessageType uint8

const (
	MessageTypePut MessageType = iota + 1
	MessageTypeDelete
	MessageTypeUpdate
	MessageTypeControl
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePut:
		return "PUT"
	case MessageTypeDelete:
		return "DELETE"
	case MessageTypeUpdate:
		return "UPDATE"
	case MessageTypeControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// ProducerMetadata identifies the producer of a record for DIV
// purposes: a GUID (a UUID held as a strfmt.UUID string, which the
// envelope writes in its text form rather than as 16 raw bytes), a
// segment number, a monotonic
// per-segment sequence number, a producer timestamp, and (once the
// record has passed through a leader) the upstream offset it was
// re-produced from.
type ProducerMetadata struct {
	GUID              strfmt.UUID
	SegmentNumber     int32
	SequenceNumber    int64
	MessageTimestamp  time.Time
	UpstreamOffset    *int64
}

// LeaderMetadataFooter is appended by the leader when it re-produces a
// record into the version topic, so followers can reason about where
// the record originally came from.
type LeaderMetadataFooter struct {
	UpstreamOffset  int64
	UpstreamTopicID string
}

// Message is the tagged variant carried over the log transport: a PUT,
// DELETE, UPDATE (write-compute) or a control message. Exactly one of
// the payload fields is non-nil, selected by Type.
type Message struct {
	Type             MessageType
	Key              []byte
	Put              *PutPayload
	Delete           *DeletePayload
	Update           *UpdatePayload
	Control          *ControlMessage
	Producer         ProducerMetadata
	LeaderFooter     *LeaderMetadataFooter
}

// PutPayload is a full-value write.
type PutPayload struct {
	Value    []byte
	SchemaID int32
}

// DeletePayload removes a key.
type DeletePayload struct{}

// UpdatePayload is a write-compute partial update.
type UpdatePayload struct {
	PartialValue []byte
	SchemaID     int32
}

// IsControl reports whether m carries a control message rather than a
// data record.
func (m *Message) IsControl() bool {
	return m.Type == MessageTypeControl && m.Control != nil
}
