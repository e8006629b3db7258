package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	venice "github.com/linkedin/venice/entities/venice"
	internalerrors "github.com/linkedin/venice/internal/errors"
)

// SaramaLogTransport is the production LogTransport, backed by a
// shared sarama client. One client and one sync producer are reused
// across every topic/partition this node touches; each Subscribe call
// spins up its own sarama.PartitionConsumer under the hood.
type SaramaLogTransport struct {
	logger *logrus.Entry

	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu          sync.Mutex
	partConsumers map[string]sarama.PartitionConsumer

	backoffPolicy backoff.BackOff
}

// NewSaramaLogTransport dials brokers and builds the shared
// client/producer/consumer. The returned transport is ready to
// Subscribe/Produce immediately.
func NewSaramaLogTransport(brokers []string, logger *logrus.Logger) (*SaramaLogTransport, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create sarama client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "create sarama sync producer")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(err, "create sarama consumer")
	}

	return &SaramaLogTransport{
		logger:        logger.WithFields(logrus.Fields{"component": "kafka_transport"}),
		client:        client,
		producer:      producer,
		consumer:      consumer,
		partConsumers: make(map[string]sarama.PartitionConsumer),
		backoffPolicy: backoff.NewExponentialBackOff(),
	}, nil
}

func consumerKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}

// Subscribe starts a partition consumer and translates sarama's raw
// messages into Records via the shared envelope codec. Consumer and
// decode errors are logged in the style of the teacher's replication
// consumer and the affected message is skipped; nothing is retried
// here.
func (t *SaramaLogTransport) Subscribe(ctx context.Context, topic string, partition int, fromOffset int64) (<-chan Record, error) {
	codec, err := NewEnvelopeCodec()
	if err != nil {
		return nil, err
	}

	pc, err := t.consumer.ConsumePartition(topic, int32(partition), fromOffset)
	if err != nil {
		return nil, errors.Wrapf(err, "consume partition %s-%d from offset %d", topic, partition, fromOffset)
	}

	t.mu.Lock()
	t.partConsumers[consumerKey(topic, partition)] = pc
	t.mu.Unlock()

	out := make(chan Record, 256)
	logger := t.logger.WithFields(logrus.Fields{"topic": topic, "partition": partition})

	internalerrors.GoWrapper(func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case saramaErr, ok := <-pc.Errors():
				if !ok {
					return
				}
				logger.WithError(saramaErr).Error("partition consumer error")
			case raw, ok := <-pc.Messages():
				if !ok {
					return
				}
				msg, err := codec.Decode(raw.Value)
				if errors.Is(err, ErrEnvelopeProtocolTooNew) {
					logger.WithError(err).Error("envelope protocol upgrade detected, stopping consumption")
					return
				}
				if err != nil {
					logger.WithError(err).Error("failed to decode envelope, skipping record")
					continue
				}
				msg.Key = raw.Key
				select {
				case out <- Record{Topic: topic, Partition: partition, Offset: raw.Offset, Message: msg}:
				case <-ctx.Done():
					return
				}
			}
		}
	}, t.logger)

	return out, nil
}

// Unsubscribe tears down the partition consumer for topic/partition.
func (t *SaramaLogTransport) Unsubscribe(topic string, partition int) error {
	t.mu.Lock()
	pc, ok := t.partConsumers[consumerKey(topic, partition)]
	if ok {
		delete(t.partConsumers, consumerKey(topic, partition))
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.Close()
}

// Produce encodes msg and synchronously appends it to topic/partition,
// retrying transient broker errors with the shared backoff policy.
func (t *SaramaLogTransport) Produce(ctx context.Context, topic string, partition int, msgIn *venice.Message) (int64, error) {
	codec, err := NewEnvelopeCodec()
	if err != nil {
		return 0, err
	}
	buf, err := codec.Encode(msgIn)
	if err != nil {
		return 0, err
	}

	var offset int64
	produceOnce := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, off, err := t.producer.SendMessage(&sarama.ProducerMessage{
			Topic:     topic,
			Partition: int32(partition),
			Key:       sarama.ByteEncoder(msgIn.Key),
			Value:     sarama.ByteEncoder(buf),
		})
		if err != nil {
			return err
		}
		offset = off
		return nil
	}

	if err := backoff.Retry(produceOnce, t.backoffPolicy); err != nil {
		return 0, errors.Wrapf(err, "produce to %s-%d", topic, partition)
	}
	return offset, nil
}

// HighWatermark returns the next offset sarama would assign on
// topic/partition.
func (t *SaramaLogTransport) HighWatermark(ctx context.Context, topic string, partition int) (int64, error) {
	off, err := t.client.GetOffset(topic, int32(partition), sarama.OffsetNewest)
	if err != nil {
		return 0, errors.Wrapf(err, "get high watermark for %s-%d", topic, partition)
	}
	return off, nil
}

// Close releases the consumer, producer and client in order.
func (t *SaramaLogTransport) Close() error {
	t.mu.Lock()
	for key, pc := range t.partConsumers {
		_ = pc.Close()
		delete(t.partConsumers, key)
	}
	t.mu.Unlock()

	var firstErr error
	if err := t.consumer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
