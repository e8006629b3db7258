package ingestion

import (
	"time"

	venice "github.com/linkedin/venice/entities/venice"
)

// applyRole reacts to a role assignment from the membership oracle.
// Promotions go through RoleNewlyPromotedLeader first and are delayed
// by config.PromotionDelay before the ingestor actually switches its
// upstream and starts producing, giving the prior leader's in-flight
// produces time to drain. Demotions take effect immediately: the
// ingestor stops producing to the version topic at once.
func (p *PartitionIngestor) applyRole(newRole venice.PartitionRole, initial bool) {
	p.mu.Lock()
	prior := p.role
	p.role = newRole
	state := p.state
	p.mu.Unlock()

	switch {
	case newRole == venice.RoleFollower:
		p.demote(prior, state, initial)
	case newRole == venice.RoleLeader || newRole == venice.RoleNewlyPromotedLeader:
		p.promote(prior, state, initial)
	}
}

func (p *PartitionIngestor) demote(prior venice.PartitionRole, state venice.PartitionLifecycleState, initial bool) {
	if p.producer != nil {
		p.producer = nil
	}
	p.mu.Lock()
	if initial {
		p.state = venice.StateBootstrap
	}
	if state != venice.StateCompletedBatch {
		p.state = venice.StateFollowerConsumingVT
	}
	p.mu.Unlock()
	p.reportStatus("demoted to follower, consuming version topic")
}

func (p *PartitionIngestor) promote(prior venice.PartitionRole, state venice.PartitionLifecycleState, initial bool) {
	if !initial && prior == venice.RoleFollower {
		p.mu.Lock()
		p.promotedAt = time.Now()
		p.mu.Unlock()
		// The promotion delay is observed by the drainer loop before it
		// switches the subscription; see awaitPromotionDelay.
	}
	p.mu.Lock()
	if state != venice.StateCompletedBatch {
		p.state = venice.StateLeaderCatchupVT
	}
	p.mu.Unlock()
	p.reportStatus("promoted to leader, catching up version topic")
}

// awaitPromotionDelay blocks until config.PromotionDelay has elapsed
// since the most recent promotion, or returns immediately if this
// ingestor started out as leader (no drain to wait for).
func (p *PartitionIngestor) awaitPromotionDelay() {
	p.mu.Lock()
	promotedAt := p.promotedAt
	p.mu.Unlock()
	if promotedAt.IsZero() {
		return
	}
	elapsed := time.Since(promotedAt)
	if elapsed < p.config.PromotionDelay {
		time.Sleep(p.config.PromotionDelay - elapsed)
	}
}
