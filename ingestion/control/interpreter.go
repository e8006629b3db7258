// Package control dispatches control messages to the ingestion core's
// state mutations, one handler per control message kind, the same
// switch-over-tag shape the teacher uses to dispatch replication
// operations by status.
package control

import (
	"fmt"

	"github.com/sirupsen/logrus"

	venice "github.com/linkedin/venice/entities/venice"
)

// Sink is the subset of the Partition Ingestor each handler mutates.
// Keeping this as a narrow interface (rather than passing the whole
// ingestor) keeps the interpreter testable independent of the state
// machine's other concerns.
type Sink interface {
	OnStartOfSegment(guid string, msg *venice.StartOfSegment)
	OnEndOfSegment(guid string, msg *venice.EndOfSegment)
	OnStartOfPush(msg *venice.StartOfPush)
	OnEndOfPush(msg *venice.EndOfPush)
	OnStartOfBufferReplay(msg *venice.StartOfBufferReplay)
	OnTopicSwitch(msg *venice.TopicSwitch)
	OnStartOfIncrementalPush(msg *venice.StartOfIncrementalPush)
	OnEndOfIncrementalPush(msg *venice.EndOfIncrementalPush)
}

// Interpreter dispatches one control message at a time to a Sink.
type Interpreter struct {
	log  *logrus.Entry
	sink Sink
}

func NewInterpreter(sink Sink, logger *logrus.Entry) *Interpreter {
	return &Interpreter{log: logger, sink: sink}
}

// Dispatch applies msg (which must be a control message, msg.Control
// != nil) to the interpreter's sink.
func (i *Interpreter) Dispatch(msg *venice.Message) error {
	if !msg.IsControl() {
		return fmt.Errorf("dispatch called with non-control message type %s", msg.Type)
	}
	guid := msg.Producer.GUID.String()

	switch msg.Control.Type {
	case venice.ControlMessageStartOfSegment:
		i.sink.OnStartOfSegment(guid, msg.Control.StartOfSegment)
	case venice.ControlMessageEndOfSegment:
		i.sink.OnEndOfSegment(guid, msg.Control.EndOfSegment)
	case venice.ControlMessageStartOfPush:
		i.sink.OnStartOfPush(msg.Control.StartOfPush)
	case venice.ControlMessageEndOfPush:
		i.sink.OnEndOfPush(msg.Control.EndOfPush)
	case venice.ControlMessageStartOfBufferReplay:
		i.sink.OnStartOfBufferReplay(msg.Control.StartOfBufferReplay)
	case venice.ControlMessageTopicSwitch:
		i.sink.OnTopicSwitch(msg.Control.TopicSwitch)
	case venice.ControlMessageStartOfIncrementalPush:
		i.sink.OnStartOfIncrementalPush(msg.Control.StartOfIncrementalPush)
	case venice.ControlMessageEndOfIncrementalPush:
		i.sink.OnEndOfIncrementalPush(msg.Control.EndOfIncrementalPush)
	default:
		i.log.WithField("control_type", msg.Control.Type).Error("unknown control message type")
		return fmt.Errorf("unknown control message type: %s", msg.Control.Type)
	}
	return nil
}
