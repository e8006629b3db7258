package ingestion

import (
	"context"
	"time"

	venice "github.com/linkedin/venice/entities/venice"
)

// resolveUpstream implements the leader upstream selection rule of
// §4.1: before any SOBR/TopicSwitch the upstream is the version topic
// itself; a TopicSwitch always supersedes a pending SOBR (decided
// precedence); only the latest TopicSwitch in history ever takes
// effect, replayed on every restart from topic_switch_history rather
// than re-scanning the version topic.
func (p *PartitionIngestor) resolveUpstream(ctx context.Context) (venice.UpstreamLocation, error) {
	p.mu.Lock()
	checkpoint := p.checkpoint
	p.mu.Unlock()

	if n := len(checkpoint.TopicSwitchHistory); n > 0 {
		latest := checkpoint.TopicSwitchHistory[n-1]
		offset, err := p.resolveTopicSwitchOffset(ctx, latest)
		if err != nil {
			return venice.UpstreamLocation{}, err
		}
		return venice.UpstreamLocation{TopicName: latest.NewUpstreamTopic, Partition: p.key.Partition, Offset: offset}, nil
	}

	if checkpoint.PendingSOBR != nil {
		offset := checkpoint.PendingSOBR.SourceOffsets[int32(p.key.Partition)]
		return venice.UpstreamLocation{TopicName: checkpoint.PendingSOBR.SourceTopicName, Partition: p.key.Partition, Offset: offset}, nil
	}

	return venice.UpstreamLocation{
		TopicName: VersionTopicName(p.key.StoreName, p.key.VersionNumber),
		Partition: p.key.Partition,
		Offset:    checkpoint.VersionTopicOffset,
	}, nil
}

// resolveTopicSwitchOffset finds the offset to rewind to: the offset
// whose message timestamp is the largest <= now - rewind_start, or
// the earliest available offset when RewindStartUnixMillis < 0.
func (p *PartitionIngestor) resolveTopicSwitchOffset(ctx context.Context, sw venice.TopicSwitchRecord) (int64, error) {
	if sw.RewindStartUnixMillis < 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-time.Duration(sw.RewindStartUnixMillis) * time.Millisecond)
	high, err := p.transport.HighWatermark(ctx, sw.NewUpstreamTopic, p.key.Partition)
	if err != nil {
		return 0, transientf("get high watermark for topic switch rewind: %w", err)
	}

	probe, unsubscribe, err := p.subscribe(ctx, sw.NewUpstreamTopic, p.key.Partition, 0)
	if err != nil {
		return 0, transientf("probe rewind offset: %w", err)
	}
	defer unsubscribe()

	var found int64
	for rec := range probe {
		if rec.Offset >= high {
			break
		}
		if rec.Message.Producer.MessageTimestamp.After(cutoff) {
			break
		}
		found = rec.Offset
	}
	return found, nil
}
