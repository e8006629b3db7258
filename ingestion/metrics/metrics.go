// Package metrics exposes prometheus counters for the ingestion core
// and the typed ReplicaStatus/push-status event streams consumers
// subscribe to: StatusPublisher holds one buffered channel per event
// type, published to without blocking.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	venice "github.com/linkedin/venice/entities/venice"
)

// IngestionMetrics is the set of prometheus collectors the Partition
// Ingestor updates as it processes records.
type IngestionMetrics struct {
	RecordsIn               *prometheus.CounterVec
	RecordsPersisted        *prometheus.CounterVec
	RecordsDroppedDuplicate *prometheus.CounterVec
	BytesPersisted          *prometheus.CounterVec
	RewindTriggered         *prometheus.CounterVec
	ConsumerLag             *prometheus.GaugeVec
	PartitionsByState       *prometheus.GaugeVec
}

// NewIngestionMetrics registers and returns the collector set against
// reg. The server binary passes its own prometheus.NewRegistry().
func NewIngestionMetrics(reg prometheus.Registerer) *IngestionMetrics {
	m := &IngestionMetrics{
		RecordsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venice_ingestion",
			Name:      "records_in_total",
			Help:      "Records consumed per partition, by message type.",
		}, []string{"store", "partition", "message_type"}),
		RecordsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venice_ingestion",
			Name:      "records_persisted_total",
			Help:      "Records durably applied to the local store, per partition.",
		}, []string{"store", "partition"}),
		RecordsDroppedDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venice_ingestion",
			Name:      "records_dropped_duplicate_total",
			Help:      "Records dropped by DIV as duplicates, per partition.",
		}, []string{"store", "partition"}),
		BytesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venice_ingestion",
			Name:      "bytes_persisted_total",
			Help:      "Bytes durably applied to the local store, per partition.",
		}, []string{"store", "partition"}),
		RewindTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "venice_ingestion",
			Name:      "rewind_triggered_total",
			Help:      "Times a partition rewound its upstream offset, per partition.",
		}, []string{"store", "partition"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "venice_ingestion",
			Name:      "consumer_lag_records",
			Help:      "High watermark minus last consumed offset, per partition.",
		}, []string{"store", "partition"}),
		PartitionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "venice_ingestion",
			Name:      "partitions_by_state",
			Help:      "Number of partitions currently in each lifecycle state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.RecordsIn, m.RecordsPersisted, m.RecordsDroppedDuplicate,
		m.BytesPersisted, m.RewindTriggered, m.ConsumerLag, m.PartitionsByState)
	return m
}

// StatusPublisher fans out ReplicaStatus and PushStatusEvent updates
// to subscribers, called by the ingestion core on every lifecycle
// transition rather than polled.
type StatusPublisher struct {
	replicaSubs chan venice.ReplicaStatus
	pushSubs    chan venice.PushStatusEvent
}

// NewStatusPublisher builds a publisher with buffered channels sized
// to tolerate a slow subscriber without blocking the ingestor.
func NewStatusPublisher(buffer int) *StatusPublisher {
	return &StatusPublisher{
		replicaSubs: make(chan venice.ReplicaStatus, buffer),
		pushSubs:    make(chan venice.PushStatusEvent, buffer),
	}
}

// PublishReplicaStatus reports a lifecycle transition. Non-blocking:
// if the channel is full, the status is dropped and the caller should
// rely on the next transition to re-synchronize observers.
func (p *StatusPublisher) PublishReplicaStatus(s venice.ReplicaStatus) {
	select {
	case p.replicaSubs <- s:
	default:
	}
}

// PublishPushStatus reports a push-status event: STARTED,
// END_OF_PUSH_RECEIVED and COMPLETED for the batch push, and STARTED
// and COMPLETED for an incremental-push label. Non-blocking like
// PublishReplicaStatus.
func (p *StatusPublisher) PublishPushStatus(e venice.PushStatusEvent) {
	select {
	case p.pushSubs <- e:
	default:
	}
}

// ReplicaStatusStream returns the channel consumers read ReplicaStatus
// events from.
func (p *StatusPublisher) ReplicaStatusStream() <-chan venice.ReplicaStatus {
	return p.replicaSubs
}

// PushStatusStream returns the channel consumers read PushStatusEvent
// updates from, keyed by incremental-push label independent of the
// partition's own lifecycle state.
func (p *StatusPublisher) PushStatusStream() <-chan venice.PushStatusEvent {
	return p.pushSubs
}
