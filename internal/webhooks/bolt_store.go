package webhooks

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const eventsBucket = "gateway_events"

// BoltEventStore is a single-node EventStore in an embedded BoltDB file. It
// survives restarts, which the memory store does not, without needing a
// database server.
type BoltEventStore struct {
	db *bolt.DB
}

var _ EventStore = (*BoltEventStore)(nil)

type boltRecord struct {
	Type        string    `json:"type"`
	State       string    `json:"state"`
	ClaimedAt   time.Time `json:"claimedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// OpenBoltEventStore opens (or creates) the file at path.
func OpenBoltEventStore(path string) (*BoltEventStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(eventsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltEventStore{db: db}, nil
}

// Close releases the file lock.
func (s *BoltEventStore) Close() error {
	return s.db.Close()
}

func (s *BoltEventStore) Claim(_ context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (ClaimResult, error) {
	result := ClaimAcquired
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		if raw := b.Get([]byte(eventID)); raw != nil {
			var rec boltRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.State == "done" {
				result = ClaimDuplicate
				return nil
			}
			if now.Sub(rec.ClaimedAt) < ttl {
				result = ClaimInProgress
				return nil
			}
		}
		return putRecord(b, eventID, boltRecord{Type: eventType, State: "processing", ClaimedAt: now})
	})
	return result, err
}

func (s *BoltEventStore) Complete(_ context.Context, eventID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		rec := boltRecord{ClaimedAt: now}
		if raw := b.Get([]byte(eventID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		rec.State = "done"
		rec.CompletedAt = now
		return putRecord(b, eventID, rec)
	})
}

func (s *BoltEventStore) Release(_ context.Context, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		raw := b.Get([]byte(eventID))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.State == "done" {
			return nil
		}
		return b.Delete([]byte(eventID))
	})
}

func (s *BoltEventStore) PruneCompleted(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State == "done" && rec.CompletedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Deleting inside ForEach invalidates the cursor.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func putRecord(b *bolt.Bucket, eventID string, rec boltRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(eventID), data)
}
