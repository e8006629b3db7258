package venice

import "fmt"

// PartitionRole is the role assigned per (version, partition) by the
// membership oracle. NEWLY_PROMOTED_LEADER is distinct from LEADER so
// the ingestor can observe the promotion-delay grace period before it
// starts producing to the version topic.
type PartitionRole uint8

const (
	RoleFollower PartitionRole = iota
	RoleNewlyPromotedLeader
	RoleLeader
)

func (r PartitionRole) String() string {
	switch r {
	case RoleLeader:
		return "LEADER"
	case RoleNewlyPromotedLeader:
		return "NEWLY_PROMOTED_LEADER"
	default:
		return "FOLLOWER"
	}
}

// PartitionLifecycleState is the Leader/Follower ingestion state
// machine driving a single partition.
type PartitionLifecycleState uint8

const (
	StateBootstrap PartitionLifecycleState = iota
	StateFollowerConsumingVT
	StateLeaderCatchupVT
	StateLeaderConsumingUpstream
	StateCompletedBatch
	StateErrored
)

func (s PartitionLifecycleState) String() string {
	switch s {
	case StateBootstrap:
		return "BOOTSTRAP"
	case StateFollowerConsumingVT:
		return "FOLLOWER_CONSUMING_VT"
	case StateLeaderCatchupVT:
		return "LEADER_CATCHUP_VT"
	case StateLeaderConsumingUpstream:
		return "LEADER_CONSUMING_UPSTREAM"
	case StateCompletedBatch:
		return "COMPLETED_BATCH"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// PartitionKey identifies a partition of a specific store version.
type PartitionKey struct {
	StoreName     string
	VersionNumber int
	Partition     int
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s_v%d-%d", k.StoreName, k.VersionNumber, k.Partition)
}

// UpstreamLocation records which topic/partition/offset an ingestor is
// currently consuming from, distinct from the local version-topic
// offset recorded in PartitionCheckpoint.
type UpstreamLocation struct {
	TopicName string
	Partition int
	Offset    int64
}

// TopicSwitchRecord is one entry of topic_switch_history: the ordered
// log of TopicSwitch control messages this partition has observed,
// retained so upstream resolution can apply last-write-wins without
// re-scanning the version topic after a restart.
type TopicSwitchRecord struct {
	NewUpstreamTopic string
	RewindStartUnixMillis int64
	SourceClusters        []string
}

// PartitionCheckpoint is the durable, atomically-committed-with-data
// record of ingestion progress for one partition: the tuple {upstream
// topic/offset, local_vt_offset, div_state, received_eop,
// topic_switch_history, completed_incremental_labels}. It is
// JSON-encoded into the local store alongside the data it covers, so
// a restart resumes from exactly the last fully-applied record.
type PartitionCheckpoint struct {
	Key   PartitionKey
	State PartitionLifecycleState
	Role  PartitionRole

	// VersionTopicOffset is local_vt_offset: the last version-topic
	// offset whose message has been durably applied to the local store.
	VersionTopicOffset int64

	// Upstream is the upstream_topic/upstream_offset recorded when the
	// checkpoint is first created: the version topic itself. Nothing
	// updates it after a StartOfBufferReplay or TopicSwitch;
	// resolveUpstream derives the live upstream from PendingSOBR and
	// TopicSwitchHistory instead.
	Upstream UpstreamLocation

	ReceivedSOP  bool
	ReceivedEOP  bool
	ReceivedSOBR bool

	// PushSorted and PushChunking record the batch-push mode announced
	// by the current push's StartOfPush, so a restart mid-push (which
	// never observes that StartOfPush again) still decodes the
	// remaining records the same way.
	PushSorted   bool
	PushChunking bool

	// PendingSOBR is the most recently observed StartOfBufferReplay
	// not yet superseded by a TopicSwitch. Per the decided precedence,
	// a TopicSwitch always overrides a pending SOBR for the same
	// partition.
	PendingSOBR *StartOfBufferReplay

	// TopicSwitchHistory is the ordered list of TopicSwitch messages
	// observed; the last entry always wins when resolving upstream.
	TopicSwitchHistory []TopicSwitchRecord

	// CompletedIncrementalLabels is the set of StartOfIncrementalPush
	// labels that have seen a matching EndOfIncrementalPush.
	CompletedIncrementalLabels []string

	// Segments is the DIV continuity state: last-seen segment/sequence
	// number per producer GUID.
	Segments map[string]SegmentState
}

// SegmentState is the DIV bookkeeping for one producer GUID. Checksum
// is the running CRC32 accumulated over every data record applied in
// the current segment, compared against the producer's own checksum
// at EndOfSegment.
type SegmentState struct {
	SegmentNumber  int32
	SequenceNumber int64
	Terminated     bool
	Checksum       uint32
}
