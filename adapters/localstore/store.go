// Package localstore persists partition data and its ingestion
// checkpoint atomically, so a restart never observes data without the
// checkpoint that describes how far it goes.
package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	venice "github.com/linkedin/venice/entities/venice"
)

// LocalStore is the durable per-partition key/value store the
// ingestion core writes consumed records to. A single commit covers
// both the record batch and the checkpoint describing it, so a crash
// mid-batch leaves the store at the prior consistent checkpoint.
type LocalStore interface {
	// CommitBatch atomically applies records and writes checkpoint for
	// the given partition in a single transaction.
	CommitBatch(key venice.PartitionKey, records []BatchEntry, checkpoint *venice.PartitionCheckpoint) error

	// Get reads the current value of key within a partition, or nil if
	// absent or deleted.
	Get(key venice.PartitionKey, recordKey []byte) ([]byte, error)

	// Checkpoint returns the last committed checkpoint for a
	// partition, or nil if the partition has never been committed to.
	Checkpoint(key venice.PartitionKey) (*venice.PartitionCheckpoint, error)

	// DropPartition removes all data and checkpoint state for a
	// partition, used when a version is retired or a leaf partition is
	// reset.
	DropPartition(key venice.PartitionKey) error

	Close() error
}

// BatchEntry is one record mutation to apply as part of a committed
// batch: either a value to Put, or a tombstone (Value == nil) to
// Delete.
type BatchEntry struct {
	Key   []byte
	Value []byte
}

const checkpointSuffix = "\x00checkpoint"

// BoltLocalStore is the bbolt-backed LocalStore: one bucket per
// partition, holding record keys plus a single reserved checkpoint
// key which can never collide with a real record key because record
// keys are store-version value keys (never NUL-prefixed) while the
// checkpoint key carries a leading NUL byte.
type BoltLocalStore struct {
	log logrus.FieldLogger
	db  *bolt.DB
}

// NewBoltLocalStore opens (creating if absent) a bbolt file at
// dataDir/partitions.db.
func NewBoltLocalStore(dataDir string, logger logrus.FieldLogger) (*BoltLocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", dataDir, err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "partitions.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open partitions.db: %w", err)
	}
	return &BoltLocalStore{log: logger, db: db}, nil
}

func bucketName(key venice.PartitionKey) []byte {
	return []byte(key.String())
}

func (s *BoltLocalStore) CommitBatch(key venice.PartitionKey, records []BatchEntry, checkpoint *venice.PartitionCheckpoint) error {
	checkpointBytes, err := json.Marshal(checkpoint)
	if err != nil {
		return errors.Wrap(err, "marshal partition checkpoint")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return errors.Wrapf(err, "create bucket for partition %s", key)
		}
		for _, rec := range records {
			if rec.Value == nil {
				if err := b.Delete(rec.Key); err != nil {
					return errors.Wrapf(err, "delete record in partition %s", key)
				}
				continue
			}
			if err := b.Put(rec.Key, rec.Value); err != nil {
				return errors.Wrapf(err, "put record in partition %s", key)
			}
		}
		return b.Put([]byte(checkpointSuffix), checkpointBytes)
	})
}

func (s *BoltLocalStore) Get(key venice.PartitionKey, recordKey []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return nil
		}
		if v := b.Get(recordKey); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

func (s *BoltLocalStore) Checkpoint(key venice.PartitionKey) (*venice.PartitionCheckpoint, error) {
	var checkpoint *venice.PartitionCheckpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(checkpointSuffix))
		if len(data) == 0 {
			return nil
		}
		checkpoint = &venice.PartitionCheckpoint{}
		return json.Unmarshal(data, checkpoint)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint for partition %s", key)
	}
	return checkpoint, nil
}

func (s *BoltLocalStore) DropPartition(key venice.PartitionKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(key))
		if err != nil && err != bolt.ErrBucketNotFound {
			return errors.Wrapf(err, "drop partition %s", key)
		}
		return nil
	})
}

func (s *BoltLocalStore) Close() error {
	return s.db.Close()
}
