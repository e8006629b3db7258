package control

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	venice "github.com/linkedin/venice/entities/venice"
)

type recordingSink struct {
	calls []string
	lastEndOfPush *venice.EndOfPush
	lastTopicSwitch *venice.TopicSwitch
	lastSOBR *venice.StartOfBufferReplay
}

func (s *recordingSink) OnStartOfSegment(guid string, msg *venice.StartOfSegment) {
	s.calls = append(s.calls, "start_of_segment:"+guid)
}
func (s *recordingSink) OnEndOfSegment(guid string, msg *venice.EndOfSegment) {
	s.calls = append(s.calls, "end_of_segment:"+guid)
}
func (s *recordingSink) OnStartOfPush(msg *venice.StartOfPush) { s.calls = append(s.calls, "start_of_push") }
func (s *recordingSink) OnEndOfPush(msg *venice.EndOfPush) {
	s.calls = append(s.calls, "end_of_push")
	s.lastEndOfPush = msg
}
func (s *recordingSink) OnStartOfBufferReplay(msg *venice.StartOfBufferReplay) {
	s.calls = append(s.calls, "sobr")
	s.lastSOBR = msg
}
func (s *recordingSink) OnTopicSwitch(msg *venice.TopicSwitch) {
	s.calls = append(s.calls, "topic_switch")
	s.lastTopicSwitch = msg
}
func (s *recordingSink) OnStartOfIncrementalPush(msg *venice.StartOfIncrementalPush) {
	s.calls = append(s.calls, "sip:"+msg.PushVersion)
}
func (s *recordingSink) OnEndOfIncrementalPush(msg *venice.EndOfIncrementalPush) {
	s.calls = append(s.calls, "eip:"+msg.PushVersion)
}

func newInterpreter(sink Sink) *Interpreter {
	return NewInterpreter(sink, logrus.NewEntry(logrus.New()))
}

func TestDispatchRejectsNonControlMessage(t *testing.T) {
	sink := &recordingSink{}
	i := newInterpreter(sink)

	err := i.Dispatch(&venice.Message{Type: venice.MessageTypePut, Put: &venice.PutPayload{}})
	require.Error(t, err)
	assert.Empty(t, sink.calls)
}

func TestDispatchRoutesEveryControlType(t *testing.T) {
	sink := &recordingSink{}
	i := newInterpreter(sink)

	messages := []*venice.Message{
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageStartOfSegment, StartOfSegment: &venice.StartOfSegment{}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageEndOfSegment, EndOfSegment: &venice.EndOfSegment{}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageStartOfPush, StartOfPush: &venice.StartOfPush{}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageEndOfPush, EndOfPush: &venice.EndOfPush{}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageStartOfBufferReplay, StartOfBufferReplay: &venice.StartOfBufferReplay{SourceTopicName: "store_rt"}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageTopicSwitch, TopicSwitch: &venice.TopicSwitch{NewSourceTopicName: "store_v2_sr"}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageStartOfIncrementalPush, StartOfIncrementalPush: &venice.StartOfIncrementalPush{PushVersion: "inc1"}}},
		{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageEndOfIncrementalPush, EndOfIncrementalPush: &venice.EndOfIncrementalPush{PushVersion: "inc1"}}},
	}

	for _, msg := range messages {
		require.NoError(t, i.Dispatch(msg))
	}

	assert.Equal(t, []string{
		"start_of_segment:",
		"end_of_segment:",
		"start_of_push",
		"end_of_push",
		"sobr",
		"topic_switch",
		"sip:inc1",
		"eip:inc1",
	}, sink.calls)
	assert.Equal(t, "store_rt", sink.lastSOBR.SourceTopicName)
	assert.Equal(t, "store_v2_sr", sink.lastTopicSwitch.NewSourceTopicName)
}

func TestDispatchUnknownControlTypeErrors(t *testing.T) {
	sink := &recordingSink{}
	i := newInterpreter(sink)

	err := i.Dispatch(&venice.Message{Type: venice.MessageTypeControl, Control: &venice.ControlMessage{Type: venice.ControlMessageType(99)}})
	assert.Error(t, err)
}
