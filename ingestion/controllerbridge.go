package ingestion

import (
	"time"

	"github.com/sirupsen/logrus"

	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/usecases/controller"
)

// controllerPollInterval bounds how long a controller-committed
// TopicSwitch or StartOfBufferReplay can sit unapplied before a
// leading partition notices it independent of any record arriving on
// its current upstream.
const controllerPollInterval = 500 * time.Millisecond

// ControllerBridge is the only consumer of usecases/controller.Controller
// on the ingestion side: it polls for lifecycle events committed
// through raft and, the first time it observes one a partition hasn't
// already applied, feeds it through the same Sink methods the control
// interpreter uses for on-wire control messages. Without this bridge
// a controller-proposed TopicSwitch or StartOfBufferReplay has no way
// to reach a leader that never independently observes it on its
// current upstream.
type ControllerBridge struct {
	log        *logrus.Entry
	controller controller.Controller

	lastTopicSwitch string
	lastSOBRTopic   string
}

// NewControllerBridge wraps c for one partition ingestor. c may be
// nil, in which case Sync is always a no-op -- the controller-disabled
// configuration.
func NewControllerBridge(c controller.Controller, logger *logrus.Entry) *ControllerBridge {
	return &ControllerBridge{log: logger.WithField("component", "controller_bridge"), controller: c}
}

// Sync applies any controller-committed TopicSwitch or
// StartOfBufferReplay event newer than the last one this bridge
// applied to p, and reports whether it applied anything. It is safe
// to call repeatedly; once caught up it is a cheap pair of reads.
func (b *ControllerBridge) Sync(p *PartitionIngestor) bool {
	if b == nil || b.controller == nil {
		return false
	}

	applied := false

	if e, ok := b.controller.LatestEvent(p.key.StoreName, p.key.VersionNumber, controller.EventTopicSwitch); ok && e.TopicSwitch != nil {
		if e.TopicSwitch.NewSourceTopicName != b.lastTopicSwitch {
			b.lastTopicSwitch = e.TopicSwitch.NewSourceTopicName
			p.OnTopicSwitch(&venice.TopicSwitch{
				NewSourceTopicName:   e.TopicSwitch.NewSourceTopicName,
				SourceKafkaServers:   e.TopicSwitch.SourceKafkaServers,
				RewindStartTimestamp: e.TopicSwitch.RewindStartTimestamp,
			})
			b.log.WithField("topic", e.TopicSwitch.NewSourceTopicName).
				Info("applied controller-committed topic switch")
			applied = true
		}
	}

	if e, ok := b.controller.LatestEvent(p.key.StoreName, p.key.VersionNumber, controller.EventStartOfBufferReplay); ok && e.StartOfBufferReplay != nil {
		if e.StartOfBufferReplay.SourceTopicName != b.lastSOBRTopic {
			b.lastSOBRTopic = e.StartOfBufferReplay.SourceTopicName
			offsets := make(map[int32]int64, len(e.StartOfBufferReplay.SourceOffsets))
			for k, v := range e.StartOfBufferReplay.SourceOffsets {
				offsets[k] = v
			}
			p.OnStartOfBufferReplay(&venice.StartOfBufferReplay{
				SourceOffsets:   offsets,
				SourceTopicName: e.StartOfBufferReplay.SourceTopicName,
			})
			b.log.WithField("topic", e.StartOfBufferReplay.SourceTopicName).
				Info("applied controller-committed start of buffer replay")
			applied = true
		}
	}

	return applied
}

// pollControllerEvents runs for the lifetime of the partition ingestor,
// waking consumeAsLeader's upstream-resolution loop whenever the
// bridge applies a new controller-committed event so a leader never
// waits on a coincidental upstream record to notice one.
func (p *PartitionIngestor) pollControllerEvents(stop <-chan struct{}) {
	ticker := time.NewTicker(controllerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if p.controllerBridge.Sync(p) {
				select {
				case p.controllerWake <- struct{}{}:
				default:
				}
			}
		}
	}
}
