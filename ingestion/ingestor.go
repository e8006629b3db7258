// Package ingestion implements the Partition Ingestor: the
// Leader/Follower state machine that consumes a version topic (and,
// while leading, a real-time or switched upstream), validates
// continuity through DIV, re-produces leader records, and commits
// persisted state and checkpoint atomically to the local store.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkedin/venice/adapters/kafka"
	"github.com/linkedin/venice/adapters/localstore"
	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/ingestion/consumerpool"
	"github.com/linkedin/venice/ingestion/control"
	"github.com/linkedin/venice/ingestion/div"
	"github.com/linkedin/venice/ingestion/metrics"
	"github.com/linkedin/venice/ingestion/vtproducer"
	internalerrors "github.com/linkedin/venice/internal/errors"
	"github.com/linkedin/venice/usecases/controller"
	"github.com/linkedin/venice/usecases/membership"
)

// VersionTopicName and RealTimeTopicName/StreamReprocessingTopicName
// derive a store-version's topic names from its store name, matching
// the `<store>_v<n>`, `<store>_rt`, `<store>_v<n>_sr` conventions.
func VersionTopicName(storeName string, version int) string {
	return fmt.Sprintf("%s_v%d", storeName, version)
}

func RealTimeTopicName(storeName string) string {
	return fmt.Sprintf("%s_rt", storeName)
}

func StreamReprocessingTopicName(storeName string, version int) string {
	return fmt.Sprintf("%s_v%d_sr", storeName, version)
}

// IsRealTime reports whether topic is a real-time topic by the `_rt`
// suffix convention.
func IsRealTime(topic string) bool {
	return len(topic) > 3 && topic[len(topic)-3:] == "_rt"
}

// IngestionErrorKind distinguishes fatal from transient failures so
// callers know whether to retry or mark the partition ERRORED.
type IngestionErrorKind uint8

const (
	ErrorTransient IngestionErrorKind = iota
	ErrorFatal
)

// IngestionError wraps an underlying cause with the kind that decides
// recovery: fatal errors move the partition to StateErrored and are
// reported via the status publisher; transient errors are retried
// with backoff by the caller.
type IngestionError struct {
	Kind IngestionErrorKind
	Err  error
}

func (e *IngestionError) Error() string { return e.Err.Error() }
func (e *IngestionError) Unwrap() error { return e.Err }

func fatalf(format string, args ...interface{}) *IngestionError {
	return &IngestionError{Kind: ErrorFatal, Err: fmt.Errorf(format, args...)}
}

func transientf(format string, args ...interface{}) *IngestionError {
	return &IngestionError{Kind: ErrorTransient, Err: fmt.Errorf(format, args...)}
}

// Config is the store-version configuration plus the operational
// knobs the ingestor needs, matching spec's externally recognized
// configuration surface.
type Config struct {
	StoreVersion venice.StoreVersionConfig

	PromotionDelay      time.Duration
	MaxUserPayloadBytes int
	ChecksumVerification bool

	// Controller, when non-nil, is consulted by a leader partition for
	// lifecycle events (TopicSwitch, StartOfBufferReplay) committed
	// through the raft log rather than observed on the upstream topic --
	// the mechanism by which a controller decision actually reaches the
	// ingestion core. A nil Controller (the default for a
	// controller-disabled node) leaves upstream resolution driven
	// entirely by on-wire control messages, as before.
	Controller controller.Controller
}

// PartitionIngestor runs the L/F state machine for one partition. It
// owns a single drainer task with exclusive access to this
// partition's local-store column and DIV state, so no locking is
// needed for that state — only the fields touched from outside the
// drainer (role changes, stop requests) are synchronized.
type PartitionIngestor struct {
	log    *logrus.Entry
	key    venice.PartitionKey
	config Config

	transport kafka.LogTransport
	store     localstore.LocalStore
	pool      *consumerpool.Pool
	roles     membership.RoleOracle
	metrics   *metrics.IngestionMetrics
	publisher *metrics.StatusPublisher

	validator        *div.Validator
	interpreter      *control.Interpreter
	producer         *vtproducer.Producer
	controllerBridge *ControllerBridge
	controllerWake   chan struct{}

	mu            sync.Mutex
	state         venice.PartitionLifecycleState
	role          venice.PartitionRole
	checkpoint    venice.PartitionCheckpoint
	promotedAt    time.Time
	nextSegment   int32

	unsubscribe func()
	roleChange  chan membership.Role
	stopOnce    sync.Once
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// New constructs a PartitionIngestor. Start must be called to begin
// consuming.
func New(
	key venice.PartitionKey,
	config Config,
	transport kafka.LogTransport,
	store localstore.LocalStore,
	pool *consumerpool.Pool,
	roles membership.RoleOracle,
	m *metrics.IngestionMetrics,
	publisher *metrics.StatusPublisher,
	logger *logrus.Logger,
) *PartitionIngestor {
	entry := logger.WithFields(logrus.Fields{"component": "partition_ingestor", "partition": key.String()})
	p := &PartitionIngestor{
		log:        entry,
		key:        key,
		config:     config,
		transport:  transport,
		store:      store,
		pool:       pool,
		roles:      roles,
		metrics:    m,
		publisher:  publisher,
		state:      StateBootstrap(),
		roleChange: make(chan membership.Role, 1),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),

		controllerBridge: NewControllerBridge(config.Controller, entry),
		controllerWake:   make(chan struct{}, 1),
	}
	return p
}

// StateBootstrap returns the initial lifecycle state. Kept as a
// function (rather than referencing venice.StateBootstrap directly at
// struct-literal time) purely for readability at the call site above.
func StateBootstrap() venice.PartitionLifecycleState { return venice.StateBootstrap }

// Start resumes from the last checkpoint (idempotent) and launches the
// drainer task. It returns once the initial role has been resolved;
// the drainer opens its first subscription asynchronously afterwards.
func (p *PartitionIngestor) Start(ctx context.Context) error {
	checkpoint, err := p.store.Checkpoint(p.key)
	if err != nil {
		return fatalf("load checkpoint for %s: %w", p.key, err)
	}
	if checkpoint == nil {
		checkpoint = &venice.PartitionCheckpoint{
			Key:   p.key,
			State: venice.StateBootstrap,
			Upstream: venice.UpstreamLocation{
				TopicName: VersionTopicName(p.key.StoreName, p.key.VersionNumber),
				Partition: p.key.Partition,
			},
			Segments: make(map[string]venice.SegmentState),
		}
	}

	p.mu.Lock()
	p.checkpoint = *checkpoint
	p.state = checkpoint.State
	p.mu.Unlock()

	p.validator = div.NewValidator(checkpoint.Segments, p.log)
	p.interpreter = control.NewInterpreter(p, p.log)

	initialRole := p.roles.RoleFor(p.key.Partition)
	p.unsubscribe = p.roles.Subscribe(p.key.Partition, func(r membership.Role) {
		select {
		case p.roleChange <- r:
		default:
		}
	})
	p.applyRole(roleToVenice(initialRole), true)

	internalerrors.GoWrapper(func() { p.drainerLoop(ctx) }, p.log)
	internalerrors.GoWrapper(func() { p.pollControllerEvents(p.stopCh) }, p.log)
	return nil
}

func roleToVenice(r membership.Role) venice.PartitionRole {
	if r == membership.RoleLeader {
		return venice.RoleLeader
	}
	return venice.RoleFollower
}

// Stop requests the drainer to exit. If drain is true, the drainer
// finishes applying its in-flight batch and checkpoints before
// returning; if false, it exits as soon as the current record is
// handled, relying on the next Start to replay from the last
// checkpoint.
func (p *PartitionIngestor) Stop(drain bool) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if drain {
		<-p.stoppedCh
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// ReplicaStatus returns the current externally-visible status.
func (p *PartitionIngestor) ReplicaStatus() venice.ReplicaStatusCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return replicaStatusFor(p.state)
}

func replicaStatusFor(s venice.PartitionLifecycleState) venice.ReplicaStatusCode {
	switch s {
	case venice.StateBootstrap, venice.StateLeaderCatchupVT:
		return venice.ReplicaStatusBootstrapping
	case venice.StateFollowerConsumingVT, venice.StateLeaderConsumingUpstream:
		return venice.ReplicaStatusOnline
	case venice.StateCompletedBatch:
		return venice.ReplicaStatusCompleted
	case venice.StateErrored:
		return venice.ReplicaStatusError
	default:
		return venice.ReplicaStatusBootstrapping
	}
}

func (p *PartitionIngestor) reportStatus(msg string) {
	if p.publisher == nil {
		return
	}
	p.mu.Lock()
	status := venice.ReplicaStatus{Key: p.key, Code: replicaStatusFor(p.state), State: p.state, Message: msg, Timestamp: time.Now()}
	p.mu.Unlock()
	p.publisher.PublishReplicaStatus(status)
}
