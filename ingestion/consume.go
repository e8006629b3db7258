package ingestion

import (
	"context"
	"time"

	"github.com/linkedin/venice/adapters/kafka"
	"github.com/linkedin/venice/adapters/localstore"
	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/ingestion/div"
	"github.com/linkedin/venice/ingestion/vtproducer"
)

// drainerLoop is the single task with exclusive write access to this
// partition's local-store column and DIV state. It awaits on the
// record queue, role-change signals, and shutdown, per §5/§9: at each
// suspension point cancellation is checked, and an in-flight batch is
// always finalized before the drainer exits.
func (p *PartitionIngestor) drainerLoop(ctx context.Context) {
	defer close(p.stoppedCh)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		err := p.runPhase(ctx)
		if err == nil {
			continue
		}
		if ierr, ok := err.(*IngestionError); ok && ierr.Kind == ErrorFatal {
			p.markErrored(ierr)
			return
		}
		p.log.WithError(err).Warn("ingestion phase ended, retrying after backoff")
		select {
		case <-time.After(time.Second):
		case <-p.stopCh:
			return
		}
	}
}

func (p *PartitionIngestor) markErrored(err *IngestionError) {
	p.mu.Lock()
	p.state = venice.StateErrored
	p.mu.Unlock()
	p.reportStatus(err.Error())
	p.log.WithError(err).Error("partition ingestion entered ERRORED state")
}

// runPhase consumes one upstream subscription until either a role
// change, a TopicSwitch, end-of-push (non-hybrid), or stop/cancel
// forces a resubscription, returning nil so drainerLoop re-evaluates
// which phase to run next.
func (p *PartitionIngestor) runPhase(ctx context.Context) error {
	p.mu.Lock()
	role := p.role
	state := p.state
	p.mu.Unlock()

	switch {
	case role == venice.RoleFollower:
		return p.consumeVersionTopic(ctx)
	case state == venice.StateLeaderCatchupVT:
		p.awaitPromotionDelay()
		if err := p.catchUpVersionTopic(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		p.state = venice.StateLeaderConsumingUpstream
		p.mu.Unlock()
		p.reportStatus("caught up version topic, consuming upstream")
		return nil
	case state == venice.StateLeaderConsumingUpstream:
		return p.consumeAsLeader(ctx)
	case state == venice.StateCompletedBatch:
		select {
		case <-p.stopCh:
			return nil
		case r := <-p.roleChange:
			p.applyRole(roleToVenice(r), false)
			return nil
		case <-time.After(time.Second):
			return nil
		}
	default:
		return nil
	}
}

// consumeVersionTopic is the follower's entire data path: read the
// version topic only, DIV-validate, dispatch control or apply data,
// never re-produce.
func (p *PartitionIngestor) consumeVersionTopic(ctx context.Context) error {
	topic := VersionTopicName(p.key.StoreName, p.key.VersionNumber)
	p.mu.Lock()
	fromOffset := p.checkpoint.VersionTopicOffset
	p.mu.Unlock()

	records, unsubscribe, err := p.subscribe(ctx, topic, p.key.Partition, fromOffset)
	if err != nil {
		return transientf("subscribe to version topic: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-p.stopCh:
			return nil
		case r, ok := <-p.roleChange:
			if ok {
				p.applyRole(roleToVenice(r), false)
				return nil
			}
		case rec, ok := <-records:
			if !ok {
				return transientf("version topic subscription closed")
			}
			if err := p.applyRecord(ctx, rec); err != nil {
				return err
			}
			p.mu.Lock()
			isLeaderNow := p.role != venice.RoleFollower
			p.mu.Unlock()
			if isLeaderNow {
				return nil
			}
		}
	}
}

// catchUpVersionTopic reads the version topic from the checkpoint
// offset up to the high watermark observed at the moment catch-up
// begins, applying every record exactly as a follower would. Reaching
// that watermark is the only condition checked: runPhase moves to
// LEADER_CONSUMING_UPSTREAM as soon as this returns, whether or not a
// SOBR, TopicSwitch or EndOfPush has been observed.
func (p *PartitionIngestor) catchUpVersionTopic(ctx context.Context) error {
	topic := VersionTopicName(p.key.StoreName, p.key.VersionNumber)
	target, err := p.transport.HighWatermark(ctx, topic, p.key.Partition)
	if err != nil {
		return transientf("get version topic high watermark: %w", err)
	}

	p.mu.Lock()
	fromOffset := p.checkpoint.VersionTopicOffset
	p.mu.Unlock()
	if fromOffset >= target {
		return nil
	}

	records, unsubscribe, err := p.subscribe(ctx, topic, p.key.Partition, fromOffset)
	if err != nil {
		return transientf("subscribe to version topic for catch-up: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-p.stopCh:
			return nil
		case rec, ok := <-records:
			if !ok {
				return transientf("version topic catch-up subscription closed")
			}
			if err := p.applyRecord(ctx, rec); err != nil {
				return err
			}
			if rec.Offset+1 >= target {
				return nil
			}
		}
	}
}

// consumeAsLeader resolves the current upstream (version topic,
// SOBR-supplied topic, or the latest TopicSwitch target) and reads it,
// re-producing every record -- data and control alike -- into the
// version topic before acknowledging progress, except during the
// pass-through on the version topic itself, per §4.3's ordering
// guarantee and §4.4's requirement that followers learn lifecycle
// transitions from the version topic itself.
func (p *PartitionIngestor) consumeAsLeader(ctx context.Context) error {
	p.controllerBridge.Sync(p)

	upstream, err := p.resolveUpstream(ctx)
	if err != nil {
		return err
	}

	records, unsubscribe, err := p.subscribe(ctx, upstream.TopicName, upstream.Partition, upstream.Offset)
	if err != nil {
		return transientf("subscribe to upstream %s: %w", upstream.TopicName, err)
	}
	defer unsubscribe()

	activeUpstream := upstream.TopicName
	// During batch push, before any SOBR/TopicSwitch has been applied,
	// resolveUpstream returns the version topic itself as upstream: the
	// leader is re-reading its own prior writes, a pass-through with no
	// re-production (§4.1). Re-producing here would feed every record
	// straight back into the topic/partition it came from, so no
	// producer is started (and no StartOfSegment written) either.
	passThrough := activeUpstream == VersionTopicName(p.key.StoreName, p.key.VersionNumber)

	if !passThrough && p.producer == nil {
		p.producer = p.newProducer()
		if err := p.producer.Start(ctx); err != nil {
			return transientf("start version-topic producer: %w", err)
		}
	}

	for {
		select {
		case <-p.stopCh:
			return nil
		case r, ok := <-p.roleChange:
			if ok {
				p.applyRole(roleToVenice(r), false)
				return nil
			}
		case <-p.controllerWake:
			// A controller-committed TopicSwitch/StartOfBufferReplay was
			// just applied; re-enter runPhase so resolveUpstream picks up
			// the new upstream instead of continuing to read the
			// superseded one.
			return nil
		case rec, ok := <-records:
			if !ok {
				return transientf("upstream subscription closed")
			}

			// Last-TopicSwitch-wins: if a newer TopicSwitch has been
			// recorded since this subscription started, discard records
			// from the superseded upstream rather than producing them.
			p.mu.Lock()
			n := len(p.checkpoint.TopicSwitchHistory)
			supersededBy := ""
			if n > 0 {
				supersededBy = p.checkpoint.TopicSwitchHistory[n-1].NewUpstreamTopic
			}
			p.mu.Unlock()
			if supersededBy != "" && supersededBy != activeUpstream {
				return nil
			}

			if rec.Message.IsControl() {
				// Control messages are re-produced into the version topic
				// under the leader's own provenance exactly like data
				// records, so followers (who only ever read the version
				// topic) observe the same SOP/EOP/SOBR/TopicSwitch/
				// incremental-push boundaries the leader saw upstream --
				// unless upstream already is the version topic, in which
				// case this is the batch-push pass-through and there is
				// nothing to re-produce.
				if !passThrough {
					vtOffset, err := p.producer.ProduceRecord(ctx, activeUpstream, rec.Offset, rec.Message)
					if err != nil {
						return transientf("produce control record to version topic: %w", err)
					}
					rec.Offset = vtOffset
				}
				if err := p.applyRecord(ctx, rec); err != nil {
					return err
				}
				if rec.Message.Control.Type == venice.ControlMessageTopicSwitch ||
					rec.Message.Control.Type == venice.ControlMessageStartOfBufferReplay {
					return nil
				}
				if rec.Message.Control.Type == venice.ControlMessageEndOfPush && !p.config.StoreVersion.Hybrid {
					return nil
				}
				continue
			}

			if !passThrough {
				vtOffset, err := p.producer.ProduceRecord(ctx, activeUpstream, rec.Offset, rec.Message)
				if err != nil {
					return transientf("produce to version topic: %w", err)
				}
				// The checkpoint records version-topic offsets, so the
				// record is applied at the offset it was re-produced to.
				rec.Offset = vtOffset
			}
			// The leader must persist every record it applies to its own
			// local store exactly as a follower would -- re-producing
			// into the version topic is a forwarding concern, not a
			// substitute for the local-store commit invariant 4 requires.
			if err := p.applyRecord(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func (p *PartitionIngestor) newProducer() *vtproducer.Producer {
	p.mu.Lock()
	segment := p.nextSegment
	p.nextSegment++
	p.mu.Unlock()
	return vtproducer.New(p.transport, VersionTopicName(p.key.StoreName, p.key.VersionNumber), p.key.Partition, segment, p.log)
}

// applyRecord runs one consumed record through DIV, then either the
// control interpreter or a local-store commit, exactly matching data
// flow: DIV -> (Control Interpreter | Local Store commit).
func (p *PartitionIngestor) applyRecord(ctx context.Context, rec kafka.Record) error {
	outcome := p.validator.Validate(rec.Message)
	switch outcome {
	case div.OutcomeDuplicate:
		if p.metrics != nil {
			p.metrics.RecordsDroppedDuplicate.WithLabelValues(p.key.StoreName, p.key.String()).Inc()
		}
		return nil
	case div.OutcomeSegmentMismatch:
		return fatalf("DIV segment mismatch for guid %s at version-topic offset %d", rec.Message.Producer.GUID, rec.Offset)
	case div.OutcomeMissingHead:
		p.mu.Lock()
		receivedEOP := p.checkpoint.ReceivedEOP
		p.mu.Unlock()
		if !receivedEOP {
			return fatalf("DIV missing head for guid %s at offset %d: first record was not a StartOfSegment", rec.Message.Producer.GUID, rec.Offset)
		}
		p.log.WithField("guid", rec.Message.Producer.GUID).Warn("tolerating DIV missing head after EndOfPush")
	case div.OutcomeChecksumMismatch:
		p.mu.Lock()
		receivedEOP := p.checkpoint.ReceivedEOP
		p.mu.Unlock()
		if !receivedEOP {
			return fatalf("DIV checksum mismatch for guid %s at offset %d", rec.Message.Producer.GUID, rec.Offset)
		}
		if p.config.ChecksumVerification {
			return fatalf("DIV checksum mismatch after EndOfPush for guid %s", rec.Message.Producer.GUID)
		}
		p.log.WithField("guid", rec.Message.Producer.GUID).Warn("tolerating DIV checksum mismatch after EndOfPush")
	case div.OutcomeGap:
		p.mu.Lock()
		receivedEOP := p.checkpoint.ReceivedEOP
		p.mu.Unlock()
		if !receivedEOP {
			return fatalf("DIV gap before EndOfPush for guid %s at offset %d", rec.Message.Producer.GUID, rec.Offset)
		}
		p.log.WithField("guid", rec.Message.Producer.GUID).Warn("tolerating DIV gap after EndOfPush")
	}

	if p.metrics != nil {
		p.metrics.RecordsIn.WithLabelValues(p.key.StoreName, p.key.String(), rec.Message.Type.String()).Inc()
	}

	if rec.Message.IsControl() {
		return p.interpreter.Dispatch(rec.Message)
	}

	return p.commitDataRecord(rec)
}

// commitDataRecord persists a PUT/DELETE/UPDATE record and its
// checkpoint atomically: invariant 1 requires local_vt_offset to
// advance monotonically with the commit, never separately.
func (p *PartitionIngestor) commitDataRecord(rec kafka.Record) error {
	entry, err := toBatchEntry(rec.Message)
	if err != nil {
		return fatalf("encode record for local store: %w", err)
	}

	p.mu.Lock()
	p.checkpoint.VersionTopicOffset = rec.Offset
	p.checkpoint.Segments = p.validator.Snapshot()
	checkpoint := p.checkpoint
	p.mu.Unlock()

	if err := p.store.CommitBatch(p.key, []localstore.BatchEntry{entry}, &checkpoint); err != nil {
		return transientf("commit batch to local store: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordsPersisted.WithLabelValues(p.key.StoreName, p.key.String()).Inc()
		if entry.Value != nil {
			p.metrics.BytesPersisted.WithLabelValues(p.key.StoreName, p.key.String()).Add(float64(len(entry.Value)))
		}
	}
	return nil
}

func toBatchEntry(msg *venice.Message) (localstore.BatchEntry, error) {
	switch msg.Type {
	case venice.MessageTypePut:
		return localstore.BatchEntry{Key: msg.Key, Value: msg.Put.Value}, nil
	case venice.MessageTypeDelete:
		return localstore.BatchEntry{Key: msg.Key, Value: nil}, nil
	case venice.MessageTypeUpdate:
		return localstore.BatchEntry{Key: msg.Key, Value: msg.Update.PartialValue}, nil
	default:
		return localstore.BatchEntry{}, transientf("unexpected data message type %s", msg.Type)
	}
}
