package venice

import "time"

// RewindPolicy selects where a hybrid partition rewinds to when it
// adopts a new real-time upstream, grounded on the buffer-replay
// policy exercised by the original push-job/ingestion test suite.
// StoreVersionConfig carries it, but the ingestion core does not read
// it: a TopicSwitch rewind is always computed back from the current
// time, whichever policy is set.
type RewindPolicy uint8

const (
	// RewindFromEOP rewinds to the end-of-push offset recorded for the
	// batch push, replaying every real-time record produced since.
	RewindFromEOP RewindPolicy = iota + 1
	// RewindFromSOP rewinds to the start-of-push offset, replaying
	// real-time records that raced the batch push itself.
	RewindFromSOP
)

// StoreVersionConfig carries the per-store-version knobs the
// ingestor needs: whether the version is hybrid, its rewind and lag
// thresholds, chunking/compression, and leaf-partition fan-out.
type StoreVersionConfig struct {
	StoreName      string
	VersionNumber  int

	ChunkingEnabled    bool
	CompressionStrategy string

	// AmplificationFactor splits each user partition into this many
	// leaf partitions, each consuming its own version-topic partition,
	// numbered by LeafPartitionID.Ordinal.
	AmplificationFactor int

	Hybrid                    bool
	RewindPolicy              RewindPolicy
	HybridRewindSeconds       int64
	HybridOffsetLagThreshold  int64
	HybridTimeLagThreshold    time.Duration
}

// IsLeafed reports whether this store version fans a user partition
// out across more than one leaf partition.
func (c *StoreVersionConfig) IsLeafed() bool {
	return c.AmplificationFactor > 1
}

// LeafPartitionID identifies one leaf of an amplified partition. User
// partition p with amplification factor f owns leaves
// [p*f, p*f+f).
type LeafPartitionID struct {
	UserPartition int
	LeafIndex     int
}

// Ordinal returns the absolute leaf partition number within the
// version topic.
func (l LeafPartitionID) Ordinal(amplificationFactor int) int {
	return l.UserPartition*amplificationFactor + l.LeafIndex
}
