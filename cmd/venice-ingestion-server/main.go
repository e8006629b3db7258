// Command venice-ingestion-server hosts the Partition Ingestors for
// every partition of a single store-version assigned to this node: it
// wires together the gossip-backed membership oracle, the Kafka log
// transport, the bolt-backed local store and the shared consumer
// pool, then starts one ingestion.PartitionIngestor per partition (one
// per leaf partition for a leafed store version) and serves its
// Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/linkedin/venice/adapters/kafka"
	"github.com/linkedin/venice/adapters/localstore"
	venice "github.com/linkedin/venice/entities/venice"
	"github.com/linkedin/venice/ingestion"
	"github.com/linkedin/venice/ingestion/consumerpool"
	"github.com/linkedin/venice/ingestion/metrics"
	internalerrors "github.com/linkedin/venice/internal/errors"
	"github.com/linkedin/venice/usecases/config"
	"github.com/linkedin/venice/usecases/controller"
	"github.com/linkedin/venice/usecases/membership"
)

// Options are the command's flags, parsed with go-flags the same way
// as the rest of this codebase's binaries.
type Options struct {
	StoreName     string `long:"store" description:"store name this node ingests a version of" required:"true"`
	VersionNumber int    `long:"store-version" description:"version number of the store this node ingests" required:"true"`
	PartitionCount int   `long:"partition-count" description:"total partition count of the version topic" required:"true"`

	Hybrid                   bool   `long:"hybrid" description:"whether this store-version accepts streaming writes after EndOfPush"`
	HybridRewindSeconds      int64  `long:"hybrid-rewind-seconds" default:"0" description:"seconds of real-time topic to replay when streaming begins"`
	HybridOffsetLagThreshold int64  `long:"hybrid-offset-lag-threshold" default:"-1" description:"max offset lag before a hybrid partition is considered caught up, -1 disables"`
	ChunkingEnabled          bool   `long:"chunking-enabled" description:"whether large values are chunked before being written"`
	CompressionStrategy      string `long:"compression" default:"none" description:"none|gzip|zstd|zstd_with_dict"`
	AmplificationFactor      int    `long:"amplification-factor" default:"1" description:"leaf partitions per user partition"`
	ChecksumVerification     bool   `long:"checksum-verification-enabled" description:"whether DIV checksum mismatches after EndOfPush are fatal"`

	KafkaBrokers         string `long:"kafka-brokers" required:"true" description:"comma-separated bootstrap brokers"`
	DataDir              string `long:"data-dir" default:"./data" description:"directory for the local bbolt store"`
	MaxUserPayloadBytes  int    `long:"max-user-payload-bytes" default:"1048576" description:"payload size above which chunking is triggered"`
	PromotionDelaySeconds int   `long:"promotion-delay-seconds" default:"3" description:"grace period before a newly promoted leader starts producing"`

	ConsumerPoolSize int    `long:"consumer-pool-size-per-cluster" default:"3" description:"max concurrent record-handler invocations across all partitions subscribed through the shared pool"`
	GossipBindPort   int    `long:"gossip-bind-port" default:"7946" description:"memberlist gossip bind port"`
	GossipJoin       string `long:"gossip-join" description:"comma-separated seed addresses to join an existing cluster"`
	Hostname         string `long:"hostname" description:"this node's gossip identity; defaults to the OS hostname"`

	MetricsListenAddr string `long:"metrics.listen" default:"0.0.0.0:9091" description:"address the Prometheus metrics endpoint listens on"`

	ControllerEnabled   bool   `long:"controller-enabled" description:"run this node's controller replica, the raft-backed log of version lifecycle events"`
	ControllerBindAddr  string `long:"controller-bind-addr" default:"0.0.0.0:9093" description:"raft transport bind address for the controller replica"`
	ControllerBootstrap bool   `long:"controller-bootstrap" description:"bootstrap a brand-new single-node controller cluster from this node"`
	ControllerDataDir   string `long:"controller-data-dir" default:"./controller-data" description:"directory for the controller's raft log and snapshots"`
}

func main() {
	var opts Options
	log := logrus.New()
	entry := log.WithField("app", "venice-ingestion-server")

	if _, err := flags.Parse(&opts); err != nil {
		entry.WithError(err).Fatal("failed to parse command line args")
	}

	env, err := config.FromEnv()
	if err != nil {
		entry.WithError(err).Fatal("failed to read environment overrides")
	}
	applyEnvOverrides(&opts, env)

	hostname := opts.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			entry.WithError(err).Fatal("failed to resolve hostname")
		}
		hostname = h
	}

	roles, err := membership.NewMemberlistRoleOracle(membership.Config{
		Hostname:       hostname,
		GossipBindPort: opts.GossipBindPort,
		Join:           opts.GossipJoin,
	}, log)
	if err != nil {
		entry.WithError(err).Fatal("failed to join gossip cluster")
	}

	brokers := strings.Split(opts.KafkaBrokers, ",")
	transport, err := kafka.NewSaramaLogTransport(brokers, log)
	if err != nil {
		entry.WithError(err).Fatal("failed to connect to kafka brokers")
	}

	store, err := localstore.NewBoltLocalStore(opts.DataDir, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to open local store")
	}

	var controllerNode *controller.RaftController
	if opts.ControllerEnabled {
		controllerNode, err = controller.New(controller.Config{
			WorkDir:   opts.ControllerDataDir,
			NodeID:    hostname,
			BindAddr:  opts.ControllerBindAddr,
			Bootstrap: opts.ControllerBootstrap,
		}, log)
		if err != nil {
			entry.WithError(err).Fatal("failed to start controller replica")
		}
		internalerrors.GoWrapper(func() { logControllerLeadership(entry, controllerNode, opts.StoreName, opts.VersionNumber) }, entry)
	}

	defer func() {
		var result *multierror.Error
		result = multierror.Append(result, roles.Close())
		result = multierror.Append(result, transport.Close())
		result = multierror.Append(result, store.Close())
		if controllerNode != nil {
			result = multierror.Append(result, controllerNode.Close())
		}
		if err := result.ErrorOrNil(); err != nil {
			entry.WithError(err).Error("errors while closing node resources")
		}
	}()

	pool := consumerpool.New(transport, opts.ConsumerPoolSize, log)

	reg := prometheus.NewRegistry()
	ingestionMetrics := metrics.NewIngestionMetrics(reg)
	publisher := metrics.NewStatusPublisher(256)

	storeVersionConfig := venice.StoreVersionConfig{
		StoreName:                opts.StoreName,
		VersionNumber:            opts.VersionNumber,
		ChunkingEnabled:          opts.ChunkingEnabled,
		CompressionStrategy:      opts.CompressionStrategy,
		AmplificationFactor:      opts.AmplificationFactor,
		Hybrid:                   opts.Hybrid,
		HybridRewindSeconds:      opts.HybridRewindSeconds,
		HybridOffsetLagThreshold: opts.HybridOffsetLagThreshold,
	}

	ingestorConfig := ingestion.Config{
		StoreVersion:         storeVersionConfig,
		PromotionDelay:       time.Duration(opts.PromotionDelaySeconds) * time.Second,
		MaxUserPayloadBytes:  opts.MaxUserPayloadBytes,
		ChecksumVerification: opts.ChecksumVerification,
	}
	if controllerNode != nil {
		ingestorConfig.Controller = controllerNode
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestors := make([]*ingestion.PartitionIngestor, 0, opts.PartitionCount*opts.AmplificationFactor)
	for partition := 0; partition < opts.PartitionCount; partition++ {
		if !storeVersionConfig.IsLeafed() {
			key := venice.PartitionKey{StoreName: opts.StoreName, VersionNumber: opts.VersionNumber, Partition: partition}
			ing := ingestion.New(key, ingestorConfig, transport, store, pool, roles, ingestionMetrics, publisher, log)
			if err := ing.Start(ctx); err != nil {
				entry.WithError(err).WithField("partition", partition).Fatal("failed to start partition ingestor")
			}
			ingestors = append(ingestors, ing)
			continue
		}

		// A partition's leaves are independent from the moment they're
		// constructed, so they start concurrently through an
		// ErrorGroupWrapper: a panic or failure in one leaf's Start
		// surfaces through Wait instead of silently leaving its siblings
		// running with one leaf never actually ingesting.
		leafEntry := entry.WithField("partition", partition)
		group := internalerrors.NewErrorGroupWrapper(leafEntry)
		var leavesMu sync.Mutex
		var leaves []*ingestion.PartitionIngestor
		for _, leaf := range ingestion.LeafPartitionsFor(partition, opts.AmplificationFactor) {
			leaf := leaf
			group.Go(func() error {
				lp := ingestion.NewLeafPartition(opts.StoreName, opts.VersionNumber, partition, leaf, opts.AmplificationFactor,
					ingestorConfig, transport, store, pool, roles, ingestionMetrics, publisher, log)
				if err := lp.Start(ctx); err != nil {
					return fmt.Errorf("start leaf %d of partition %d: %w", leaf.LeafIndex, partition, err)
				}
				leavesMu.Lock()
				leaves = append(leaves, lp.PartitionIngestor)
				leavesMu.Unlock()
				return nil
			}, "leaf", leaf.LeafIndex)
		}
		if err := group.Wait(); err != nil {
			entry.WithError(err).WithField("partition", partition).Fatal("failed to start leaf partition ingestors")
		}
		ingestors = append(ingestors, leaves...)
	}

	internalerrors.GoWrapper(func() { publishStatusLogs(entry, publisher) }, entry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: opts.MetricsListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("metrics server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	entry.Info("shutdown signal received, draining partitions")
	for _, ing := range ingestors {
		ing.Stop(true)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// applyEnvOverrides layers env onto opts wherever the operator set the
// corresponding VENICE_* variable, following the teacher's
// config.FromEnv(*Config) convention. A set variable replaces the
// value flags.Parse populated, whether that value came from an
// explicitly passed flag or from the flag's default; options whose
// variable is unset keep their flag value.
func applyEnvOverrides(opts *Options, env config.Env) {
	if env.KafkaBrokers != nil {
		opts.KafkaBrokers = *env.KafkaBrokers
	}
	if env.DataDir != nil {
		opts.DataDir = *env.DataDir
	}
	if env.GossipJoin != nil {
		opts.GossipJoin = *env.GossipJoin
	}
	if env.ConsumerPoolSize != nil {
		opts.ConsumerPoolSize = *env.ConsumerPoolSize
	}
	if env.ControllerEnabled != nil {
		opts.ControllerEnabled = *env.ControllerEnabled
	}
	if env.ControllerBindAddr != nil {
		opts.ControllerBindAddr = *env.ControllerBindAddr
	}
	if env.ControllerBootstrap != nil {
		opts.ControllerBootstrap = *env.ControllerBootstrap
	}
	if env.MetricsListenAddr != nil {
		opts.MetricsListenAddr = *env.MetricsListenAddr
	}
}

// logControllerLeadership periodically reports this node's controller
// raft leadership state and the most recently committed EndOfPush
// event for the local store-version, following the same ticker-based
// leader-reporting pattern the teacher's cluster/store.Open uses.
func logControllerLeadership(log *logrus.Entry, node *controller.RaftController, storeName string, version int) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		fields := logrus.Fields{"is_leader": node.IsLeader(), "leader": node.Leader()}
		if event, ok := node.LatestEvent(storeName, version, controller.EventEndOfPush); ok {
			fields["last_end_of_push_version"] = event.VersionNumber
		}
		log.WithFields(fields).Info("controller replica status")
	}
}

// publishStatusLogs logs replica/push status transitions as they are
// published, giving operators a tail-able record even before any
// external status sink is wired up.
func publishStatusLogs(log *logrus.Entry, publisher *metrics.StatusPublisher) {
	for {
		select {
		case status, ok := <-publisher.ReplicaStatusStream():
			if !ok {
				return
			}
			log.WithFields(logrus.Fields{
				"partition": status.Key.String(),
				"status":    status.Code.String(),
			}).Info(status.Message)
		case event, ok := <-publisher.PushStatusStream():
			if !ok {
				return
			}
			log.WithFields(logrus.Fields{
				"partition":    event.Key.String(),
				"push_status":  event.Code.String(),
				"push_version": event.PushVersion,
			}).Info("push status event")
		}
	}
}
