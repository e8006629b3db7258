// Package membership provides the cluster-liveness view the ingestion
// core consults to decide which node holds the leader role for a
// given partition. The actual leader-election algorithm (how ties are
// broken, how epochs are fenced) is an explicit Non-goal; this package
// only exposes the deterministic, testable interface the ingestion
// core is built against, plus a gossip-backed implementation of the
// "who is currently alive" primitive it's built on.
package membership

// Role is which part the local node plays for a partition.
type Role uint8

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// RoleOracle answers "what role does this node hold for partition p
// of this version" and lets callers subscribe to role changes so a
// partition ingestor can react to promotion/demotion without polling.
type RoleOracle interface {
	RoleFor(partition int) Role

	// Subscribe registers fn to be called whenever the role for
	// partition changes. It returns an unsubscribe func.
	Subscribe(partition int, fn func(Role)) (unsubscribe func())

	// LocalName is this node's identity in the membership view.
	LocalName() string

	// Candidates returns the currently live node names eligible to
	// hold the leader role for any partition, in a deterministic order.
	Candidates() []string

	Close() error
}
