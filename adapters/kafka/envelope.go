package kafka

import (
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"

	venice "github.com/linkedin/venice/entities/venice"
)

// envelopeSchema mirrors the shape of com.linkedin.venice.kafka.protocol
// .KafkaMessageEnvelope: a message type, producer metadata, and a
// union payload. Unlike the original's generated Avro-IDL record, the
// payload union is resolved into Go's own tagged Message before this
// package's caller ever sees it.
const envelopeSchema = `
{
  "type": "record",
  "name": "KafkaMessageEnvelope",
  "fields": [
    {"name": "protocolVersion", "type": "int", "default": 0},
    {"name": "messageType", "type": "int"},
    {"name": "producerGUID", "type": "bytes"},
    {"name": "segmentNumber", "type": "int"},
    {"name": "sequenceNumber", "type": "long"},
    {"name": "messageTimestamp", "type": "long"},
    {"name": "upstreamOffset", "type": ["null", "long"], "default": null},
    {"name": "leaderUpstreamOffset", "type": ["null", "long"], "default": null},
    {"name": "leaderUpstreamTopicID", "type": ["null", "string"], "default": null},
    {"name": "key", "type": "bytes"},
    {"name": "payload", "type": "bytes"}
  ]
}
`

// EnvelopeProtocolVersion is the highest envelope protocol version
// this build's codec understands. Every message this codec encodes
// carries exactly this version; Decode refuses a message stamped with
// a newer one rather than silently misinterpreting fields it doesn't
// know about.
const EnvelopeProtocolVersion int32 = 1

// ErrEnvelopeProtocolTooNew is returned by Decode when a message's
// protocolVersion exceeds EnvelopeProtocolVersion: this ingestor's
// envelope schema is strictly older than whatever produced the
// message, and per the protocol-upgrade invariant it must not attempt
// to interpret it.
var ErrEnvelopeProtocolTooNew = errors.New("envelope protocol version is newer than this ingestor understands")

// EnvelopeCodec encodes and decodes venice.Message values to the Avro
// wire envelope shared by every topic this ingestor reads or writes.
type EnvelopeCodec struct {
	codec *goavro.Codec
}

// NewEnvelopeCodec builds a codec bound to the envelope schema.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	codec, err := goavro.NewCodec(envelopeSchema)
	if err != nil {
		return nil, errors.Wrap(err, "compile kafka message envelope schema")
	}
	return &EnvelopeCodec{codec: codec}, nil
}

// Encode serializes msg to Avro binary using the embedded payload
// encoding chosen by msg.Type (PutPayload/DeletePayload/UpdatePayload
// are themselves opaque byte payloads at the envelope level; the
// store-version's own value schema governs their contents).
func (c *EnvelopeCodec) Encode(msg *venice.Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}

	native := map[string]interface{}{
		"protocolVersion":  EnvelopeProtocolVersion,
		"messageType":      int32(msg.Type),
		"producerGUID":     []byte(msg.Producer.GUID.String()),
		"segmentNumber":    msg.Producer.SegmentNumber,
		"sequenceNumber":   msg.Producer.SequenceNumber,
		"messageTimestamp": msg.Producer.MessageTimestamp.UnixMilli(),
		"key":              msg.Key,
		"payload":          payload,
	}
	if msg.Producer.UpstreamOffset != nil {
		native["upstreamOffset"] = goavro.Union("long", *msg.Producer.UpstreamOffset)
	} else {
		native["upstreamOffset"] = goavro.Union("null", nil)
	}
	if msg.LeaderFooter != nil {
		native["leaderUpstreamOffset"] = goavro.Union("long", msg.LeaderFooter.UpstreamOffset)
		native["leaderUpstreamTopicID"] = goavro.Union("string", msg.LeaderFooter.UpstreamTopicID)
	} else {
		native["leaderUpstreamOffset"] = goavro.Union("null", nil)
		native["leaderUpstreamTopicID"] = goavro.Union("null", nil)
	}

	buf, err := c.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, errors.Wrap(err, "encode kafka message envelope")
	}
	return buf, nil
}

// Decode parses Avro binary back into a venice.Message.
func (c *EnvelopeCodec) Decode(buf []byte) (*venice.Message, error) {
	native, _, err := c.codec.NativeFromBinary(buf)
	if err != nil {
		return nil, errors.Wrap(err, "decode kafka message envelope")
	}
	fields, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected envelope decode shape %T", native)
	}

	if pv, ok := fields["protocolVersion"].(int32); ok && pv > EnvelopeProtocolVersion {
		return nil, errors.Wrapf(ErrEnvelopeProtocolTooNew, "message protocol version %d, this ingestor understands up to %d", pv, EnvelopeProtocolVersion)
	}

	msg := &venice.Message{
		Type: venice.MessageType(fields["messageType"].(int32)),
		Key:  fields["key"].([]byte),
		Producer: venice.ProducerMetadata{
			GUID:           strfmt.UUID(string(fields["producerGUID"].([]byte))),
			SegmentNumber:  fields["segmentNumber"].(int32),
			SequenceNumber: fields["sequenceNumber"].(int64),
		},
	}
	msg.Producer.MessageTimestamp = unixMilliToTime(fields["messageTimestamp"].(int64))

	if u, ok := fields["upstreamOffset"].(map[string]interface{}); ok {
		if v, ok := u["long"].(int64); ok {
			msg.Producer.UpstreamOffset = &v
		}
	}
	if lu, ok := fields["leaderUpstreamOffset"].(map[string]interface{}); ok {
		if v, ok := lu["long"].(int64); ok {
			topicID := ""
			if lt, ok := fields["leaderUpstreamTopicID"].(map[string]interface{}); ok {
				if s, ok := lt["string"].(string); ok {
					topicID = s
				}
			}
			msg.LeaderFooter = &venice.LeaderMetadataFooter{UpstreamOffset: v, UpstreamTopicID: topicID}
		}
	}

	if err := decodePayload(msg, fields["payload"].([]byte)); err != nil {
		return nil, err
	}
	return msg, nil
}
