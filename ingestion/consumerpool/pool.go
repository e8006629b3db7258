// Package consumerpool is the process-wide Shared Consumer Pool: one
// pool per node admits every partition assigned to this node
// immediately, but bounds how many of their records are handled
// concurrently, applying backpressure to downstream processing
// without ever blocking a partition from starting to ingest.
package consumerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/linkedin/venice/adapters/kafka"
	internalerrors "github.com/linkedin/venice/internal/errors"
)

// Handler processes one record delivered from a partition's queue.
// Handlers are invoked sequentially per partition, concurrently across
// partitions up to the pool's bound, matching the ordering guarantee
// the ingestion core requires within a partition.
type Handler func(ctx context.Context, rec kafka.Record) error

// Pool multiplexes every partition a node owns across a bounded
// number of concurrently executing handler invocations, directly
// modeled on the teacher's token-channel worker limiter -- but the
// token now bounds concurrent handler execution rather than admission,
// since admission (a node owning more partitions than the configured
// pool size, which is routine) must never block a partition from
// consuming at all.
type Pool struct {
	log       *logrus.Entry
	transport kafka.LogTransport

	sem chan struct{}

	mu         sync.Mutex
	partitions map[string]*partitionConsumer
}

type partitionConsumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func partitionKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}

// New builds a Pool that bounds concurrent handler invocations to
// maxConcurrent, across however many partitions are subscribed.
func New(transport kafka.LogTransport, maxConcurrent int, logger *logrus.Logger) *Pool {
	return &Pool{
		log:        logger.WithField("component", "consumer_pool"),
		transport:  transport,
		sem:        make(chan struct{}, maxConcurrent),
		partitions: make(map[string]*partitionConsumer),
	}
}

// Subscribe begins consuming topic/partition from fromOffset and
// invokes handle for each record in order. The transport subscription
// itself is opened immediately -- every owned partition is always
// admitted -- but each record's handle call first acquires one of the
// pool's bounded concurrency slots, which is how backpressure is
// applied when every slot is busy without stalling admission of new
// partitions.
func (p *Pool) Subscribe(ctx context.Context, topic string, partition int, fromOffset int64, handle Handler) error {
	consumerCtx, cancel := context.WithCancel(ctx)
	pc := &partitionConsumer{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.partitions[partitionKey(topic, partition)] = pc
	p.mu.Unlock()

	records, err := p.transport.Subscribe(consumerCtx, topic, partition, fromOffset)
	if err != nil {
		cancel()
		p.mu.Lock()
		delete(p.partitions, partitionKey(topic, partition))
		p.mu.Unlock()
		return err
	}

	logger := p.log.WithFields(logrus.Fields{"topic": topic, "partition": partition})

	internalerrors.GoWrapper(func() {
		defer func() {
			p.mu.Lock()
			delete(p.partitions, partitionKey(topic, partition))
			p.mu.Unlock()
			close(pc.done)
		}()

		for {
			select {
			case <-consumerCtx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				select {
				case p.sem <- struct{}{}:
				case <-consumerCtx.Done():
					return
				}
				err := handle(consumerCtx, rec)
				<-p.sem
				if err != nil {
					logger.WithError(err).WithField("offset", rec.Offset).
						Error("handler failed, partition consumer stopping")
					return
				}
			}
		}
	}, p.log)

	return nil
}

// Unsubscribe stops consuming topic/partition.
func (p *Pool) Unsubscribe(topic string, partition int) {
	p.mu.Lock()
	pc, ok := p.partitions[partitionKey(topic, partition)]
	p.mu.Unlock()
	if !ok {
		return
	}
	pc.cancel()
	<-pc.done
	_ = p.transport.Unsubscribe(topic, partition)
}

// ActiveCount returns the number of partitions currently subscribed,
// regardless of how many are actively being handled at this instant.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.partitions)
}
