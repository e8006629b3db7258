// Package controller implements the Controller collaborator named by
// spec.md §1: the external authority that issues version lifecycle
// events (StartOfPush, EndOfPush, TopicSwitch, StartOfBufferReplay,
// StartOfIncrementalPush, EndOfIncrementalPush) for a store version.
// It does not drive per-record ordering -- that remains the ingestion
// core's job, consuming these same event kinds as control messages off
// the version topic, independent of whatever node currently holds the
// controller's own raft leadership. This package exists so a
// controller leader change never loses an in-flight lifecycle event:
// every Propose is a raft-replicated command, committed before it
// returns.
package controller

import "fmt"

// EventType tags which lifecycle event a proposed Event carries.
type EventType uint8

const (
	EventStartOfPush EventType = iota + 1
	EventEndOfPush
	EventTopicSwitch
	EventStartOfBufferReplay
	EventStartOfIncrementalPush
	EventEndOfIncrementalPush
)

func (t EventType) String() string {
	switch t {
	case EventStartOfPush:
		return "START_OF_PUSH"
	case EventEndOfPush:
		return "END_OF_PUSH"
	case EventTopicSwitch:
		return "TOPIC_SWITCH"
	case EventStartOfBufferReplay:
		return "START_OF_BUFFER_REPLAY"
	case EventStartOfIncrementalPush:
		return "START_OF_INCREMENTAL_PUSH"
	case EventEndOfIncrementalPush:
		return "END_OF_INCREMENTAL_PUSH"
	default:
		return "UNKNOWN"
	}
}

// Event is one lifecycle command proposed to the controller's raft
// log, keyed to a store version (these events apply uniformly across
// every partition of a version, unlike the per-partition control
// messages the ingestion core reads off the version topic itself).
// Exactly one of the payload fields is populated, selected by Type.
type Event struct {
	Type          EventType
	StoreName     string
	VersionNumber int

	StartOfPush            *StartOfPushPayload
	EndOfPush              *EndOfPushPayload
	TopicSwitch            *TopicSwitchPayload
	StartOfBufferReplay    *StartOfBufferReplayPayload
	StartOfIncrementalPush *IncrementalPushPayload
	EndOfIncrementalPush   *IncrementalPushPayload
}

// StartOfPushPayload mirrors venice.StartOfPush's fields at the
// controller layer, kept as its own type so the controller's wire
// format doesn't couple to the ingestion core's record envelope.
type StartOfPushPayload struct {
	SourceCompressionStrategy string
	Sorted                    bool
	Chunking                  bool
	CompressionDictionary     []byte
}

type EndOfPushPayload struct{}

type TopicSwitchPayload struct {
	NewSourceTopicName   string
	SourceKafkaServers   []string
	RewindStartTimestamp int64
}

type StartOfBufferReplayPayload struct {
	SourceOffsets   map[int32]int64
	SourceTopicName string
}

type IncrementalPushPayload struct {
	PushVersion string
}

func (e Event) versionKey() string {
	return fmt.Sprintf("%s_v%d", e.StoreName, e.VersionNumber)
}

// Controller is the durable command log the ingestion core's external
// collaborator is specified against: propose a lifecycle event, query
// the latest one committed for a store version. A leading partition's
// ingestion.ControllerBridge polls LatestEvent and applies newly
// committed TopicSwitch/StartOfBufferReplay events the same way it
// would an on-wire control message -- this is how a controller
// decision reaches the ingestion core even when no push job or router
// ever produces the equivalent control message onto the upstream
// topic itself. Propose is called by administrative tooling and the
// push pipeline; LatestEvent is the only method the ingestion side
// consumes.
type Controller interface {
	// Propose replicates event through raft consensus and blocks until
	// it is committed. Only the raft leader can commit; a follower
	// returns ErrNotLeader.
	Propose(event Event) error

	// LatestEvent returns the most recently committed event of the
	// given type for a store version, and whether one has ever been
	// committed.
	LatestEvent(storeName string, version int, eventType EventType) (Event, bool)

	IsLeader() bool
	Leader() string
	Close() error
}
