package ingestion

import (
	"github.com/sirupsen/logrus"

	"github.com/linkedin/venice/adapters/kafka"
	"github.com/linkedin/venice/adapters/localstore"
	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/ingestion/consumerpool"
	"github.com/linkedin/venice/ingestion/metrics"
	"github.com/linkedin/venice/usecases/membership"
)

// LeafPartition wraps a PartitionIngestor for one leaf of an amplified
// user partition. Role assignment stays keyed on the user partition --
// a store version with AmplificationFactor > 1 still elects exactly
// one leader per user partition, who leads every one of that
// partition's leaves -- while the leaf's own subscription, DIV state,
// and local-store column are entirely independent of its siblings.
type LeafPartition struct {
	*PartitionIngestor
	UserPartition int
	LeafIndex     int
}

// leafRoleOracle adapts a RoleOracle keyed by user partition so a leaf
// partition's drainer can ask "what role do I hold" using its own
// leaf ordinal, without the oracle itself knowing leaves exist.
type leafRoleOracle struct {
	membership.RoleOracle
	userPartition int
}

func (o *leafRoleOracle) RoleFor(int) membership.Role {
	return o.RoleOracle.RoleFor(o.userPartition)
}

func (o *leafRoleOracle) Subscribe(_ int, fn func(membership.Role)) func() {
	return o.RoleOracle.Subscribe(o.userPartition, fn)
}

// NewLeafPartition builds one leaf of userPartition's amplification
// fan-out. leaf.Ordinal(amplificationFactor) becomes the leaf's own
// PartitionKey.Partition, so it subscribes and checkpoints entirely
// independently of its sibling leaves through the shared consumer
// pool.
func NewLeafPartition(
	storeName string,
	versionNumber int,
	userPartition int,
	leaf venice.LeafPartitionID,
	amplificationFactor int,
	config Config,
	transport kafka.LogTransport,
	store localstore.LocalStore,
	pool *consumerpool.Pool,
	roles membership.RoleOracle,
	m *metrics.IngestionMetrics,
	publisher *metrics.StatusPublisher,
	logger *logrus.Logger,
) *LeafPartition {
	leafKey := venice.PartitionKey{
		StoreName:     storeName,
		VersionNumber: versionNumber,
		Partition:     leaf.Ordinal(amplificationFactor),
	}
	ing := New(leafKey, config, transport, store, pool, &leafRoleOracle{RoleOracle: roles, userPartition: userPartition}, m, publisher, logger)
	return &LeafPartition{PartitionIngestor: ing, UserPartition: userPartition, LeafIndex: leaf.LeafIndex}
}

// LeafPartitionsFor enumerates the leaf identities for userPartition
// under the given amplification factor. A factor of 1 (the common,
// unamplified case) yields a single leaf whose ordinal equals the user
// partition itself.
func LeafPartitionsFor(userPartition, amplificationFactor int) []venice.LeafPartitionID {
	if amplificationFactor < 1 {
		amplificationFactor = 1
	}
	leaves := make([]venice.LeafPartitionID, amplificationFactor)
	for i := 0; i < amplificationFactor; i++ {
		leaves[i] = venice.LeafPartitionID{UserPartition: userPartition, LeafIndex: i}
	}
	return leaves
}
