package venice

// ControlMessageType tags the control-plane variant embedded in a
// Message whose Type is MessageTypeControl.
type ControlMessageType uint8

const (
	ControlMessageStartOfSegment ControlMessageType = iota + 1
	ControlMessageEndOfSegment
	ControlMessageStartOfPush
	ControlMessageEndOfPush
	ControlMessageStartOfBufferReplay
	ControlMessageTopicSwitch
	ControlMessageStartOfIncrementalPush
	ControlMessageEndOfIncrementalPush
)

func (t ControlMessageType) String() string {
	switch t {
	case ControlMessageStartOfSegment:
		return "START_OF_SEGMENT"
	case ControlMessageEndOfSegment:
		return "END_OF_SEGMENT"
	case ControlMessageStartOfPush:
		return "START_OF_PUSH"
	case ControlMessageEndOfPush:
		return "END_OF_PUSH"
	case ControlMessageStartOfBufferReplay:
		return "START_OF_BUFFER_REPLAY"
	case ControlMessageTopicSwitch:
		return "TOPIC_SWITCH"
	case ControlMessageStartOfIncrementalPush:
		return "START_OF_INCREMENTAL_PUSH"
	case ControlMessageEndOfIncrementalPush:
		return "END_OF_INCREMENTAL_PUSH"
	default:
		return "UNKNOWN"
	}
}

// ControlMessage is the tagged control-plane payload. Exactly one of
// the pointer fields below is populated, selected by Type.
type ControlMessage struct {
	Type ControlMessageType

	StartOfSegment       *StartOfSegment
	EndOfSegment         *EndOfSegment
	StartOfPush          *StartOfPush
	EndOfPush            *EndOfPush
	StartOfBufferReplay  *StartOfBufferReplay
	TopicSwitch          *TopicSwitch
	StartOfIncrementalPush *StartOfIncrementalPush
	EndOfIncrementalPush   *EndOfIncrementalPush
}

// StartOfSegment begins a new DIV segment for the producing GUID.
type StartOfSegment struct {
	UpstreamOffset int64
}

// EndOfSegment closes the current DIV segment. FinalSegment marks a
// graceful producer shutdown, after which no further segments for
// this GUID are expected on this partition. Checksum, when
// HasChecksum is set, is the producer's own running checksum over
// every data record of the segment, compared against the consumer's
// independently accumulated running checksum to detect silent data
// loss or corruption in transit.
type EndOfSegment struct {
	FinalSegment bool
	HasChecksum  bool
	Checksum     uint32
}

// StartOfPush marks the beginning of a full batch push into this
// partition's version topic. Sorted and Chunking are hints the local
// store consults when it initializes the version: a sorted push can
// load with a bulk-append path, and chunking means large values arrive
// as ChunkManifest-linked fragments rather than single records.
// CompressionDictionary, when non-empty, is the shared dictionary
// large-value compression was trained against for this push, applied
// uniformly to every chunk's payload.
type StartOfPush struct {
	SourceCompressionStrategy string
	Sorted                    bool
	Chunking                  bool
	CompressionDictionary     []byte
}

// EndOfPush marks completion of a batch push. On receiving it a
// non-hybrid partition moves to COMPLETED_BATCH; a hybrid partition
// keeps its current lifecycle state and keeps consuming.
type EndOfPush struct{}

// StartOfBufferReplay marks the point from which a hybrid store will
// begin replaying real-time records, carrying the source-topic offset
// to rewind each real-time partition to.
type StartOfBufferReplay struct {
	SourceOffsets   map[int32]int64
	SourceTopicName string
}

// TopicSwitch instructs the ingestor to stop reading the current
// upstream (real-time) topic and switch to a new one, optionally
// rewound to RewindStartTimestamp. Per last-write-wins semantics, a
// later TopicSwitch always supersedes any earlier one or a pending
// StartOfBufferReplay.
type TopicSwitch struct {
	NewSourceTopicName   string
	SourceKafkaServers   []string
	RewindStartTimestamp int64
}

// StartOfIncrementalPush marks the start of a labeled incremental push.
type StartOfIncrementalPush struct {
	PushVersion string
}

// EndOfIncrementalPush marks completion of a labeled incremental push.
type EndOfIncrementalPush struct {
	PushVersion string
}
