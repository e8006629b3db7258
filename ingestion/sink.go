package ingestion

import (
	"time"

	venice "github.com/linkedin/venice/entities/venice"
)

// The control.Sink implementation mutates the ingestor's checkpoint
// under its own lock; callers dispatch one control message at a time
// from the drainer so no additional synchronization is required
// beyond protecting reads from Start/Stop/applyRole.

func (p *PartitionIngestor) OnStartOfSegment(guid string, msg *venice.StartOfSegment) {
	// DIV continuity itself is handled by the Validator; nothing
	// further to mutate on the ingestor's own checkpoint.
}

func (p *PartitionIngestor) OnEndOfSegment(guid string, msg *venice.EndOfSegment) {}

// OnStartOfPush initializes the local store for a fresh batch push:
// any data left over from a prior, abandoned push into this partition
// is dropped before the new push's records start arriving, so a
// sorted push can never observe a stale key it didn't itself write.
// Sorted/Chunking/CompressionDictionary are recorded on the checkpoint
// so the rest of the batch phase (and a restart mid-push) knows how to
// decode the records that follow.
func (p *PartitionIngestor) OnStartOfPush(msg *venice.StartOfPush) {
	if err := p.store.DropPartition(p.key); err != nil {
		p.log.WithError(err).Error("failed to initialize local store for new push")
	}

	p.mu.Lock()
	p.checkpoint.ReceivedSOP = true
	if msg != nil {
		p.checkpoint.PushSorted = msg.Sorted
		p.checkpoint.PushChunking = msg.Chunking
	}
	p.mu.Unlock()
	if p.publisher != nil {
		p.publisher.PublishPushStatus(venice.PushStatusEvent{Key: p.key, Code: venice.PushStatusStarted, Timestamp: time.Now()})
	}
}

func (p *PartitionIngestor) OnEndOfPush(msg *venice.EndOfPush) {
	p.mu.Lock()
	p.checkpoint.ReceivedEOP = true
	hybrid := p.config.StoreVersion.Hybrid
	if !hybrid {
		p.state = venice.StateCompletedBatch
	}
	p.mu.Unlock()
	if p.publisher != nil {
		p.publisher.PublishPushStatus(venice.PushStatusEvent{Key: p.key, Code: venice.PushStatusEndOfPushReceived, Timestamp: time.Now()})
		if !hybrid {
			p.publisher.PublishPushStatus(venice.PushStatusEvent{Key: p.key, Code: venice.PushStatusCompleted, Timestamp: time.Now()})
		}
	}
	p.reportStatus("end of push received")
}

func (p *PartitionIngestor) OnStartOfBufferReplay(msg *venice.StartOfBufferReplay) {
	p.mu.Lock()
	p.checkpoint.ReceivedSOBR = true
	p.checkpoint.PendingSOBR = msg
	p.mu.Unlock()
}

// OnTopicSwitch appends to topic_switch_history and clears any
// pending SOBR: per the decided precedence a TopicSwitch always
// overrides a pending, unconsumed SOBR. Only the newly appended
// (last) entry is ever honored by resolveUpstream, which implements
// "only the last TopicSwitch takes effect" regardless of how many
// preceded it.
func (p *PartitionIngestor) OnTopicSwitch(msg *venice.TopicSwitch) {
	p.mu.Lock()
	p.checkpoint.PendingSOBR = nil
	p.checkpoint.TopicSwitchHistory = append(p.checkpoint.TopicSwitchHistory, venice.TopicSwitchRecord{
		NewUpstreamTopic:      msg.NewSourceTopicName,
		RewindStartUnixMillis: msg.RewindStartTimestamp,
		SourceClusters:        msg.SourceKafkaServers,
	})
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RewindTriggered.WithLabelValues(p.key.StoreName, p.key.String()).Inc()
	}
}

func (p *PartitionIngestor) OnStartOfIncrementalPush(msg *venice.StartOfIncrementalPush) {
	if p.publisher != nil && msg != nil {
		p.publisher.PublishPushStatus(venice.PushStatusEvent{Key: p.key, PushVersion: msg.PushVersion, Code: venice.PushStatusStarted, Timestamp: time.Now()})
	}
}

func (p *PartitionIngestor) OnEndOfIncrementalPush(msg *venice.EndOfIncrementalPush) {
	if msg == nil {
		return
	}
	p.mu.Lock()
	p.checkpoint.CompletedIncrementalLabels = append(p.checkpoint.CompletedIncrementalLabels, msg.PushVersion)
	p.mu.Unlock()
	if p.publisher != nil {
		p.publisher.PublishPushStatus(venice.PushStatusEvent{Key: p.key, PushVersion: msg.PushVersion, Code: venice.PushStatusCompleted, Timestamp: time.Now()})
	}
}
