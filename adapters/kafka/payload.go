package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	venice "github.com/linkedin/venice/entities/venice"
)

// payloadEnvelope is the JSON shape used for the envelope's opaque
// "payload" bytes field. Data records carry their Put/Delete/Update
// variant; control records carry the ControlMessage. This keeps the
// Avro schema itself stable while the payload variant set grows,
// mirroring how the real protocol's union payload is resolved by the
// outer messageType field rather than by Avro union branching.
type payloadEnvelope struct {
	Put     *venice.PutPayload     `json:"put,omitempty"`
	Delete  *venice.DeletePayload  `json:"delete,omitempty"`
	Update  *venice.UpdatePayload  `json:"update,omitempty"`
	Control *controlEnvelope       `json:"control,omitempty"`
}

type controlEnvelope struct {
	Type                   venice.ControlMessageType      `json:"type"`
	StartOfSegment         *venice.StartOfSegment         `json:"startOfSegment,omitempty"`
	EndOfSegment           *venice.EndOfSegment            `json:"endOfSegment,omitempty"`
	StartOfPush            *venice.StartOfPush             `json:"startOfPush,omitempty"`
	EndOfPush              *venice.EndOfPush                `json:"endOfPush,omitempty"`
	StartOfBufferReplay    *venice.StartOfBufferReplay      `json:"startOfBufferReplay,omitempty"`
	TopicSwitch            *venice.TopicSwitch               `json:"topicSwitch,omitempty"`
	StartOfIncrementalPush *venice.StartOfIncrementalPush     `json:"startOfIncrementalPush,omitempty"`
	EndOfIncrementalPush   *venice.EndOfIncrementalPush        `json:"endOfIncrementalPush,omitempty"`
}

func encodePayload(msg *venice.Message) ([]byte, error) {
	env := payloadEnvelope{
		Put:    msg.Put,
		Delete: msg.Delete,
		Update: msg.Update,
	}
	if msg.Control != nil {
		env.Control = &controlEnvelope{
			Type:                   msg.Control.Type,
			StartOfSegment:         msg.Control.StartOfSegment,
			EndOfSegment:           msg.Control.EndOfSegment,
			StartOfPush:            msg.Control.StartOfPush,
			EndOfPush:              msg.Control.EndOfPush,
			StartOfBufferReplay:    msg.Control.StartOfBufferReplay,
			TopicSwitch:            msg.Control.TopicSwitch,
			StartOfIncrementalPush: msg.Control.StartOfIncrementalPush,
			EndOfIncrementalPush:   msg.Control.EndOfIncrementalPush,
		}
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope payload")
	}
	return buf, nil
}

func decodePayload(msg *venice.Message, buf []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return errors.Wrap(err, "decode envelope payload")
	}
	msg.Put = env.Put
	msg.Delete = env.Delete
	msg.Update = env.Update
	if env.Control != nil {
		msg.Control = &venice.ControlMessage{
			Type:                   env.Control.Type,
			StartOfSegment:         env.Control.StartOfSegment,
			EndOfSegment:           env.Control.EndOfSegment,
			StartOfPush:            env.Control.StartOfPush,
			EndOfPush:              env.Control.EndOfPush,
			StartOfBufferReplay:    env.Control.StartOfBufferReplay,
			TopicSwitch:            env.Control.TopicSwitch,
			StartOfIncrementalPush: env.Control.StartOfIncrementalPush,
			EndOfIncrementalPush:   env.Control.EndOfIncrementalPush,
		}
	}
	switch msg.Type {
	case venice.MessageTypePut, venice.MessageTypeDelete, venice.MessageTypeUpdate, venice.MessageTypeControl:
	default:
		return fmt.Errorf("unknown message type %d in envelope", msg.Type)
	}
	return nil
}

func unixMilliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
