package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var dlqBucket = []byte("dead_letters")

// DeadLetter is a unit of work (typically a snapshot attempt) that
// exhausted its retry budget and needs operator attention or a later
// reaper pass, rather than being dropped silently (spec §6).
type DeadLetter struct {
	CollectionID string    `json:"collection_id"`
	Kind         string    `json:"kind"` // e.g. "snapshot", "tiering"
	Payload      []byte    `json:"payload"`
	LastError    string    `json:"last_error"`
	Attempts     int       `json:"attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// DeadLetterQueue is a durable, FIFO-per-collection queue backed by bbolt,
// so entries survive a process restart between enqueue and reaper pass.
type DeadLetterQueue struct {
	db     *bbolt.DB
	logger *zap.Logger
}

func OpenDeadLetterQueue(path string, logger *zap.Logger) (*DeadLetterQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening dead letter queue: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dlqBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dead letter bucket: %w", err)
	}
	return &DeadLetterQueue{db: db, logger: logger}, nil
}

func (q *DeadLetterQueue) Close() error { return q.db.Close() }

// sequenceKey encodes a per-collection monotonic sequence as a big-endian
// prefix so bbolt's natural key ordering gives FIFO iteration per
// collection (spec §6: "reaper processes entries per-collection in
// enqueue order").
func sequenceKey(collectionID string, seq uint64) []byte {
	key := make([]byte, 8+len(collectionID)+1)
	binary.BigEndian.PutUint64(key, seq)
	copy(key[8:], collectionID)
	key[len(key)-1] = 0
	return key
}

// Enqueue persists dl durably, assigning it the bucket's next sequence
// number.
func (q *DeadLetterQueue) Enqueue(dl DeadLetter) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dlqBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(dl.CollectionID, seq), data)
	})
}

// entry pairs a stored dead letter with the key it was stored under, so
// Ack can remove exactly that record.
type Entry struct {
	Key   []byte
	Letter DeadLetter
}

// ListForCollection returns collectionID's queued dead letters in FIFO
// enqueue order.
func (q *DeadLetterQueue) ListForCollection(collectionID string) ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dlqBucket)
		return b.ForEach(func(k, v []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				q.logger.Warn("dead letter queue: skipping malformed entry", zap.Binary("key", k), zap.Error(err))
				return nil
			}
			if dl.CollectionID != collectionID {
				return nil
			}
			keyCopy := append([]byte(nil), k...)
			out = append(out, Entry{Key: keyCopy, Letter: dl})
			return nil
		})
	})
	return out, err
}

// Ack permanently removes a dead letter once the reaper has successfully
// reprocessed it.
func (q *DeadLetterQueue) Ack(key []byte) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dlqBucket).Delete(key)
	})
}

// CollectionIDs returns the distinct collection ids with at least one
// queued dead letter, so a reaper triggered by "breaker closed" (spec
// §4.3.6) knows which collections to drain without being told explicitly.
func (q *DeadLetterQueue) CollectionIDs() ([]string, error) {
	seen := make(map[string]struct{})
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dlqBucket)
		return b.ForEach(func(k, v []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				q.logger.Warn("dead letter queue: skipping malformed entry", zap.Binary("key", k), zap.Error(err))
				return nil
			}
			seen[dl.CollectionID] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// Len reports the total number of queued dead letters across all
// collections.
func (q *DeadLetterQueue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(dlqBucket).Stats().KeyN
		return nil
	})
	return n, err
}
